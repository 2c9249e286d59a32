package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/markocupic/filepond-server/internal/chunk"
	"github.com/markocupic/filepond-server/internal/queue"
	"github.com/markocupic/filepond-server/internal/registry"
	"github.com/markocupic/filepond-server/internal/templife"
	"github.com/markocupic/filepond-server/internal/validate"
)

const genericUploadError = "Unknown upload error. Please try again."

const maxFormMemory = 32 << 20

// progressResponse acknowledges a chunk of a not-yet-complete session.
type progressResponse struct {
	Success   bool   `json:"success"`
	Completed bool   `json:"completed"`
	Offset    int64  `json:"offset"`
	TotalSize int64  `json:"totalSize"`
	FileName  string `json:"fileName"`
	SessionID string `json:"sessionId"`
}

// completedResponse carries the transfer key of a finalized upload. Error is
// a pointer so the success case marshals an explicit null.
type completedResponse struct {
	Success      bool    `json:"success"`
	Completed    bool    `json:"completed"`
	SessionID    string  `json:"sessionId,omitempty"`
	TransferKey  string  `json:"transferKey"`
	DirectUpload bool    `json:"directUpload"`
	Error        *string `json:"error"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

type revertResponse struct {
	Success     bool    `json:"success"`
	Error       *string `json:"error"`
	TransferKey string  `json:"transferKey,omitempty"`
}

type storeResponse struct {
	Success     bool    `json:"success"`
	Error       *string `json:"error"`
	TransferKey string  `json:"transferKey,omitempty"`
	Path        string  `json:"path,omitempty"`
}

// handleChunk receives one byte range of a session. The last chunk to arrive,
// whatever its offset, triggers assembly, validation and finalization.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.badRequest(w, "", "expecting a multipart upload request")
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = r.FormValue("sessionId")
	}
	if sessionID == "" {
		s.badRequest(w, "", "missing session id")
		return
	}

	offset, err := strconv.ParseInt(r.FormValue("offset"), 10, 64)
	if err != nil {
		s.badRequest(w, sessionID, "invalid offset")
		return
	}
	totalSize, err := strconv.ParseInt(r.FormValue("totalSize"), 10, 64)
	if err != nil {
		s.badRequest(w, sessionID, "invalid total size")
		return
	}
	checksum := r.FormValue("checksum")

	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, sessionID, "missing chunk payload")
		return
	}
	defer file.Close()

	fileName := r.FormValue("fileName")
	if fileName == "" {
		fileName = header.Filename
	}

	progress, err := s.chunks.Receive(sessionID, fileName, offset, totalSize, file)
	if err != nil {
		if errors.Is(err, chunk.ErrInvalidInput) {
			s.badRequest(w, sessionID, err.Error())
			return
		}
		s.uploadError(w, sessionID, err)
		return
	}

	if !progress.Complete || !s.chunks.ClaimAssembly(sessionID) {
		// Either more chunks are pending or a concurrent request won the
		// assembly claim and will send the final response itself.
		s.respondJSON(w, http.StatusOK, progressResponse{
			Success:   true,
			Completed: false,
			Offset:    offset,
			TotalSize: totalSize,
			FileName:  fileName,
			SessionID: sessionID,
		})
		return
	}
	defer s.chunks.ReleaseAssembly(sessionID)

	key := s.keys.Generate()
	destDir := s.temps.TransferDir(key)
	safeName := templife.SanitizeFileName(fileName)

	finalPath, err := s.chunks.Assemble(sessionID, safeName, totalSize, destDir)
	if err != nil {
		os.RemoveAll(destDir)
		s.uploadError(w, sessionID, err)
		return
	}
	if err := validate.File(finalPath, safeName, checksum, s.policy); err != nil {
		// No artifact may survive a failed validation.
		os.RemoveAll(destDir)
		s.uploadError(w, sessionID, err)
		return
	}

	s.respondJSON(w, http.StatusOK, completedResponse{
		Success:     true,
		Completed:   true,
		SessionID:   sessionID,
		TransferKey: base64.StdEncoding.EncodeToString([]byte(key)),
	})
}

// handleDirectUpload is the non-chunked path: the whole file plus its
// checksum in one multipart request.
func (s *Server) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.badRequest(w, "", "expecting a multipart upload request")
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = r.FormValue("sessionId")
	}
	checksum := r.FormValue("checksum")

	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, sessionID, "missing file payload")
		return
	}
	defer file.Close()

	fileName := r.FormValue("fileName")
	if fileName == "" {
		fileName = header.Filename
	}
	if strings.TrimSpace(fileName) == "" {
		s.badRequest(w, sessionID, "file name must not be empty")
		return
	}

	key := s.keys.Generate()
	dir, err := s.temps.EnsureTransferDir(key)
	if err != nil {
		s.uploadError(w, sessionID, err)
		return
	}
	destPath := filepath.Join(dir, templife.SanitizeFileName(fileName))
	if err := writeFile(destPath, file); err != nil {
		os.RemoveAll(dir)
		s.uploadError(w, sessionID, err)
		return
	}
	if err := validate.File(destPath, fileName, checksum, s.policy); err != nil {
		os.RemoveAll(dir)
		s.uploadError(w, sessionID, err)
		return
	}

	s.logger.Info("direct upload finalized", "file", fileName, "transferKey", key)
	s.respondJSON(w, http.StatusOK, completedResponse{
		Success:      true,
		Completed:    true,
		SessionID:    sessionID,
		TransferKey:  base64.StdEncoding.EncodeToString([]byte(key)),
		DirectUpload: true,
	})
}

// handleRevert deletes the temp artifact of a finalized upload. The body is
// the base64-encoded transfer key. Token validity and resource existence are
// two independent checks; both must pass.
func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		s.badRequest(w, "", "could not read request body")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		s.respondJSON(w, http.StatusOK, revertResponse{Success: false, Error: strPtr("invalid transfer key")})
		return
	}
	key := string(raw)
	if !s.keys.Validate(key) {
		s.respondJSON(w, http.StatusOK, revertResponse{Success: false, Error: strPtr("invalid transfer key")})
		return
	}

	removed, err := s.temps.Revert(key)
	if err != nil {
		s.logger.Error("revert failed", "transferKey", key, "err", err)
		msg := genericUploadError
		if s.cfg.Debug {
			msg = err.Error()
		}
		s.respondJSON(w, http.StatusOK, revertResponse{Success: false, Error: strPtr(msg)})
		return
	}
	if !removed {
		s.respondJSON(w, http.StatusOK, revertResponse{Success: false, Error: strPtr("no upload matching the transfer key was found")})
		return
	}

	s.respondJSON(w, http.StatusOK, revertResponse{
		Success:     true,
		TransferKey: base64.StdEncoding.EncodeToString([]byte(key)),
	})
}

// handleStore moves a finalized artifact out of the temp root into the
// permanent upload folder, registers it and queues the S3 archive job.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransferKey string `json:"transferKey"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.badRequest(w, "", "invalid request payload")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.TransferKey))
	if err != nil {
		s.respondJSON(w, http.StatusOK, storeResponse{Success: false, Error: strPtr("invalid transfer key")})
		return
	}
	key := string(raw)
	if !s.keys.Validate(key) {
		s.respondJSON(w, http.StatusOK, storeResponse{Success: false, Error: strPtr("invalid transfer key")})
		return
	}

	srcPath, fileName, err := s.locateArtifact(key)
	if err != nil {
		s.respondJSON(w, http.StatusOK, storeResponse{Success: false, Error: strPtr("no upload matching the transfer key was found")})
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.storeError(w, key, err)
		return
	}
	finalName := templife.UniqueName(s.cfg.UploadDir, fileName)
	finalPath := filepath.Join(s.cfg.UploadDir, finalName)
	if err := os.Rename(srcPath, finalPath); err != nil {
		s.storeError(w, key, err)
		return
	}
	if err := os.RemoveAll(s.temps.TransferDir(key)); err != nil {
		s.logger.Error("could not remove transfer dir after store", "transferKey", key, "err", err)
	}
	s.logger.Info("upload stored", "file", finalName, "transferKey", key)

	info, err := os.Stat(finalPath)
	if err != nil {
		s.storeError(w, key, err)
		return
	}
	if s.reg != nil {
		rec := &registry.Record{
			TransferKey: key,
			FileName:    finalName,
			SizeBytes:   info.Size(),
			StoredPath:  finalPath,
		}
		if err := s.reg.Add(r.Context(), rec); err != nil {
			s.logger.Error("could not register stored upload", "transferKey", key, "err", err)
		}
	}
	if s.queue != nil && s.store != nil {
		payload := queue.ArchivePayload{
			TransferKey: key,
			StoredPath:  finalPath,
			ObjectKey:   fmt.Sprintf("uploads/%s/%s", key, finalName),
			FileName:    finalName,
		}
		if err := queue.EnqueueArchive(r.Context(), s.queue, payload); err != nil {
			s.logger.Error("could not enqueue archive task", "transferKey", key, "err", err)
		}
	}

	s.respondJSON(w, http.StatusOK, storeResponse{
		Success:     true,
		TransferKey: req.TransferKey,
		Path:        finalPath,
	})
}

// locateArtifact resolves the single file living under a transfer-key
// directory.
func (s *Server) locateArtifact(key string) (path, name string, err error) {
	dir := s.temps.TransferDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return filepath.Join(dir, entry.Name()), entry.Name(), nil
		}
	}
	return "", "", fmt.Errorf("transfer dir %s holds no file", key)
}

func (s *Server) badRequest(w http.ResponseWriter, sessionID, msg string) {
	s.respondJSON(w, http.StatusBadRequest, errorResponse{Success: false, SessionID: sessionID, Error: msg})
}

// uploadError funnels every upload failure into the single JSON error shape.
// Policy and integrity failures carry their user-facing message; anything
// else is logged in full and reduced to a generic message so filesystem
// details never leak, unless debug mode is on.
func (s *Server) uploadError(w http.ResponseWriter, sessionID string, err error) {
	var policyErr *validate.PolicyError
	var msg string
	switch {
	case errors.As(err, &policyErr):
		msg = policyErr.Error()
	case errors.Is(err, chunk.ErrSizeMismatch):
		s.logger.Error("assembly failed", "sessionId", sessionID, "err", err)
		msg = "The upload is incomplete, please retry the whole file."
	default:
		s.logger.Error("upload failed", "sessionId", sessionID, "err", err)
		msg = genericUploadError
		if s.cfg.Debug {
			msg = err.Error()
		}
	}
	s.respondJSON(w, http.StatusOK, errorResponse{Success: false, SessionID: sessionID, Error: msg})
}

func (s *Server) storeError(w http.ResponseWriter, key string, err error) {
	s.logger.Error("store failed", "transferKey", key, "err", err)
	msg := genericUploadError
	if s.cfg.Debug {
		msg = err.Error()
	}
	s.respondJSON(w, http.StatusOK, storeResponse{Success: false, Error: strPtr(msg)})
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close upload file: %w", err)
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}
