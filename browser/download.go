package browser

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultDownloadDirectory returns the user's download directory as reported by xdg-user-dir,
// falling back to ~/Downloads and then the temp dir.
func DefaultDownloadDirectory() string {
	out, err := exec.Command("xdg-user-dir", "DOWNLOAD").Output()
	if err == nil {
		dir := strings.TrimSpace(string(out))
		if dir != "" && isDir(dir) {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err == nil {
		dir := filepath.Join(home, "Downloads")
		if isDir(dir) {
			return dir
		}
	}
	return os.TempDir()
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
