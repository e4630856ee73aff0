//go:build !linux

package display

// NewNotifier はLinux以外では何もしないNotifierを返す。
func NewNotifier(_ string) Notifier {
	return &stubNotifier{}
}
