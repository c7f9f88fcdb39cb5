package ghost

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveUploadDest(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	existingDir := t.TempDir()

	tests := []struct {
		name     string
		dest     string
		filename string
		workdir  string
		want     string
	}{
		{
			name:     "absolute dest is used verbatim",
			dest:     "/opt/data/out.bin",
			filename: "out.bin",
			want:     "/opt/data/out.bin",
		},
		{
			name:     "dest naming an existing directory appends the filename",
			dest:     existingDir,
			filename: "report.txt",
			want:     filepath.Join(existingDir, "report.txt"),
		},
		{
			name:     "relative dest resolves against home",
			dest:     "uploads/file.bin",
			filename: "file.bin",
			want:     filepath.Join(home, "uploads/file.bin"),
		},
		{
			name:     "no dest with terminal context uses the session workdir",
			filename: "file.bin",
			workdir:  "/var/factory/tests",
			want:     "/var/factory/tests/file.bin",
		},
		{
			name:     "no dest and no terminal context falls back to home",
			filename: "file.bin",
			want:     filepath.Join(home, "file.bin"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveUploadDest(tt.dest, tt.filename, tt.workdir)
			if got != tt.want {
				t.Errorf("resolveUploadDest(%q, %q, %q) = %q, expected %q",
					tt.dest, tt.filename, tt.workdir, got, tt.want)
			}
		})
	}
}

func TestStartUploadServer(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "uploads", "out.bin")

	g := newTestGhost(t, nil, ModeFile)
	g.SetFileOp("upload", dest, 0o755)

	done := make(chan error, 1)
	go func() { done <- g.StartUploadServer() }()

	g.upload.Data <- []byte("first chunk ")
	g.upload.Data <- []byte("second chunk")
	g.upload.Data <- nil

	if err := <-done; err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first chunk second chunk" {
		t.Errorf("file contents = %q, expected the concatenated chunks", data)
	}

	fi, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o755 {
		t.Errorf("file mode = %v, expected 0755", fi.Mode().Perm())
	}
}

func TestStartUploadServerDefaultPerm(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")

	g := newTestGhost(t, nil, ModeFile)
	g.SetFileOp("upload", dest, 0)

	done := make(chan error, 1)
	go func() { done <- g.StartUploadServer() }()

	g.upload.Data <- []byte("payload")
	g.upload.Data <- nil

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if data, err := os.ReadFile(dest); err != nil || string(data) != "payload" {
		t.Errorf("file contents = %q, err = %v", data, err)
	}
}
