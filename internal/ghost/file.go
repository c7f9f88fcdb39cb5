package ghost

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/modevans2100/factory/internal/wire"

	"github.com/rs/zerolog/log"
)

// resolveUploadDest decides where an uploaded file lands. An absolute dest is
// used verbatim; a dest naming an existing directory gets the original
// filename appended; with no dest the file goes to the working directory of
// the associated terminal session, or the home directory when none is known.
func resolveUploadDest(dest, filename, workdir string) string {
	targetDir := homeDir()

	if dest != "" {
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(targetDir, dest)
		}
		if st, err := os.Stat(dest); err == nil && st.Mode().IsDir() {
			return filepath.Join(dest, filename)
		}
		return dest
	}

	if workdir != "" {
		targetDir = workdir
	}
	return filepath.Join(targetDir, filename)
}

// InitiateFileOperation starts the handshake for this FILE agent's transfer.
// Download announces the file and waits for clear_to_download; upload signals
// readiness and treats everything received afterwards as raw file content.
func (g *Ghost) InitiateFileOperation(res *wire.Response) error {
	switch g.fileOperation.Action {
	case "download":
		fi, err := os.Stat(g.fileOperation.Filename)
		if err != nil {
			return err
		}

		req := wire.NewRequest("request_to_download", map[string]interface{}{
			"terminal_sid": g.terminalSid,
			"filename":     filepath.Base(g.fileOperation.Filename),
			"size":         fi.Size(),
		})
		// The server answers asynchronously with clear_to_download
		return g.SendRequest(req, nil)

	case "upload":
		g.upload.Ready = true
		req := wire.NewRequest("clear_to_upload", nil).SetTimeout(-1)
		if err := g.SendRequest(req, nil); err != nil {
			return err
		}
		go g.StartUploadServer()
		return nil

	default:
		return fmt.Errorf("unknown file operation %q, ignored", g.fileOperation.Action)
	}
}

// StartDownloadServer streams the file's bytes over the dedicated connection
// and closes it at EOF. The server side pairs the stream with the waiting
// browser request.
func (g *Ghost) StartDownloadServer() error {
	log.Info().Msgf("ghost: download server started for %s", g.fileOperation.Filename)

	defer func() {
		g.quit = true
		g.Conn.Close()
		log.Info().Msg("ghost: download server terminated")
	}()

	file, err := os.Open(g.fileOperation.Filename)
	if err != nil {
		return err
	}
	defer file.Close()

	io.Copy(g.Conn, file)
	return nil
}

// StartUploadServer writes received buffers to the destination file until a
// nil buffer signals end of stream, then applies the requested permissions.
func (g *Ghost) StartUploadServer() error {
	log.Info().Msgf("ghost: upload server started for %s", g.fileOperation.Filename)
	defer log.Info().Msg("ghost: upload server terminated")

	filePath := g.fileOperation.Filename
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	for {
		buffer := <-g.upload.Data
		if buffer == nil {
			break
		}
		file.Write(buffer)
	}

	if g.fileOperation.Perm > 0 {
		file.Chmod(os.FileMode(g.fileOperation.Perm))
	}
	return nil
}
