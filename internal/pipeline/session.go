package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"offliner/internal/engine"
	"offliner/internal/queue"

	"github.com/google/uuid"
)

// Session is a job's scratch directory plus its optional credentials file.
// Owned sessions (no externally supplied directory) are destroyed by the
// pipeline on every exit path.
type Session struct {
	Dir        string
	CookieFile string
	owned      bool
}

// newSession clears and recreates the session directory. A redelivered job
// starts from an empty directory, which makes reprocessing safe.
func newSession(tempRoot string, job *queue.Job) (*Session, error) {
	sess := &Session{Dir: job.SessionDir}
	if sess.Dir == "" {
		sess.Dir = filepath.Join(tempRoot, job.RequestID)
		sess.owned = true
	}

	if err := os.RemoveAll(sess.Dir); err != nil {
		return nil, fmt.Errorf("failed to clear session directory: %w", err)
	}
	if err := os.MkdirAll(sess.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return sess, nil
}

// provisionCredentials writes the cookie jar for the session, either from
// the config's raw blob or by copying the referenced file. Only the fact of
// provisioning is logged; cookie contents never reach the logs.
func (s *Session) provisionCredentials(job *queue.Job) error {
	blob := job.Config.CredentialsBlob
	src := job.Config.CredentialsPath
	if blob == "" && src == "" {
		return nil
	}

	dst := filepath.Join(s.Dir, "cookies.txt")
	if blob != "" {
		if err := os.WriteFile(dst, []byte(blob), 0o600); err != nil {
			return fmt.Errorf("failed to write credentials file: %w", err)
		}
	} else {
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("failed to read credentials file: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return fmt.Errorf("failed to copy credentials file: %w", err)
		}
	}

	s.CookieFile = dst
	slog.Info("Credentials file provisioned", "request_id", job.RequestID)
	return nil
}

// teardown removes owned session directories. External directories belong
// to whoever supplied them.
func (s *Session) teardown() {
	if !s.owned {
		return
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		slog.Warn("Failed to remove session directory", "dir", s.Dir, "error", err)
	}
}

// packZip archives the given files into <session>/<name>.zip with sanitized,
// deduplicated basenames, then deletes the originals.
func packZip(sessionDir, name string, files []string) (string, error) {
	base := engine.SanitizeFilename(strings.TrimSuffix(name, ".zip"))
	if base == "" {
		base = "download"
	}
	zipPath := filepath.Join(sessionDir, base+".zip")

	out, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to create zip: %w", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	seen := make(map[string]int)
	for _, file := range files {
		entryName := dedupeName(engine.SanitizeFilename(stemOf(file))+filepath.Ext(file), seen)
		if err := addZipEntry(w, file, entryName); err != nil {
			w.Close()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize zip: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to flush zip: %w", err)
	}

	for _, file := range files {
		if err := os.Remove(file); err != nil {
			slog.Warn("Failed to remove packed original", "path", file, "error", err)
		}
	}
	return zipPath, nil
}

func addZipEntry(w *zip.Writer, path, entryName string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for packing: %w", path, err)
	}
	defer in.Close()

	entry, err := w.Create(entryName)
	if err != nil {
		return fmt.Errorf("failed to add zip entry %s: %w", entryName, err)
	}
	if _, err := io.Copy(entry, in); err != nil {
		return fmt.Errorf("failed to pack %s: %w", path, err)
	}
	return nil
}

// dedupeName makes a zip entry name unique by suffixing a counter before
// the extension.
func dedupeName(name string, seen map[string]int) string {
	seen[name]++
	if seen[name] == 1 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), seen[name], ext)
}

// stage copies the artifact into the output directory so it survives the
// session teardown. Name collisions get a short random suffix.
func stage(artifact, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	dst := filepath.Join(outputDir, filepath.Base(artifact))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		stem := strings.TrimSuffix(filepath.Base(artifact), ext)
		dst = filepath.Join(outputDir, fmt.Sprintf("%s_%s%s", stem, uuid.NewString()[:8], ext))
	}

	in, err := os.Open(artifact)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create staged artifact: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to stage artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to flush staged artifact: %w", err)
	}
	return dst, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
