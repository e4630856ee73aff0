//go:build linux

package display

import (
	"github.com/godbus/dbus/v5"
)

const (
	dbusNotifyDest      = "org.freedesktop.Notifications"
	dbusNotifyPath      = "/org/freedesktop/Notifications"
	dbusNotifyInterface = "org.freedesktop.Notifications"
)

type dbusNotifier struct {
	appName string
	obj     dbus.BusObject
}

// NewNotifier はセッションバス経由で通知を送るNotifierを生成する。
// D-Busに接続できない場合は何もしないNotifierを返す。
func NewNotifier(appName string) Notifier {
	conn, err := dbus.SessionBus()
	if err != nil {
		return &stubNotifier{}
	}
	return &dbusNotifier{
		appName: appName,
		obj:     conn.Object(dbusNotifyDest, dbusNotifyPath),
	}
}

// Notify(app_name, replaces_id, app_icon, summary, body, actions, hints, expire_timeout) -> id
func (n *dbusNotifier) Notify(notif Notification) (uint32, error) {
	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(byte(notif.Urgency)),
		"desktop-entry": dbus.MakeVariant(n.appName),
	}

	call := n.obj.Call(
		dbusNotifyInterface+".Notify",
		0,
		n.appName,
		notif.ReplacesID,
		notif.Icon,
		notif.Title,
		notif.Body,
		[]string{},
		hints,
		notif.Timeout,
	)
	if call.Err != nil {
		return 0, call.Err
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (n *dbusNotifier) Close(id uint32) error {
	return n.obj.Call(dbusNotifyInterface+".CloseNotification", 0, id).Err
}
