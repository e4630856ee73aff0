package oauth

import (
	"fmt"
	"os/exec"
	"runtime"
)

// SystemBrowser はOS標準のコマンドで認可URLを開く。
type SystemBrowser struct {
	// Command が空でなければOS標準の代わりに使う。
	Command string
}

// Open はURLをブラウザで開く。コマンドの終了は待たない。
func (b SystemBrowser) Open(authURL string) error {
	name, args := b.command(authURL)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch browser %q: %w", name, err)
	}
	go cmd.Wait()
	return nil
}

func (b SystemBrowser) command(authURL string) (string, []string) {
	if b.Command != "" {
		return b.Command, []string{authURL}
	}
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{authURL}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", authURL}
	default:
		return "xdg-open", []string{authURL}
	}
}

var _ BrowserLauncher = SystemBrowser{}
