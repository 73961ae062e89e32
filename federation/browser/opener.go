package browser

import (
	"context"
	"os/exec"
	"runtime"

	"github.com/jrsteele09/go-devtracker-auth/federation"
	"github.com/pkg/errors"
)

var _ federation.Opener = SystemOpener{}

// SystemOpener launches the platform's default browser.
type SystemOpener struct{}

func (SystemOpener) OpenURL(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, args := openCommand(runtime.GOOS, url)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "[SystemOpener.OpenURL] start %s", name)
	}
	// the browser outlives us; only reap the launcher
	go func() { _ = cmd.Wait() }()
	return nil
}

func openCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}
