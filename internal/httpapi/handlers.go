package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wagate/internal/dispatch"
	logx "wagate/pkg/logx"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	token, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.sessions.Len(),
	})
}

// handleTriggerLogin drives the tenant's session toward readiness and
// reports the first of {challenge, authenticated, ready}. The wait is
// bounded by the "timeout" query parameter (default 30s) because an
// HTTP response cannot be held open unboundedly.
func (a *API) handleTriggerLogin(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 5*time.Minute {
			writeError(w, http.StatusBadRequest, "timeout must be a duration between 0 and 5m")
			return
		}
		timeout = d
	}

	res := a.sessions.GetOrCreate(tenant).TriggerLogin(r.Context(), timeout)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	st := a.sessions.GetOrCreate(tenant).Status(r.Context())
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	removed := a.sessions.Remove(r.Context(), tenant)
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": removed})
}

type sendRequest struct {
	Recipient   string            `json:"recipient,omitempty"`
	Recipients  []string          `json:"recipients,omitempty"`
	Body        string            `json:"body,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Process     string            `json:"process,omitempty"`
	MessageType string            `json:"message_type,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`

	// PerRecipientDelay is a Go duration string; bulk only.
	PerRecipientDelay string `json:"per_recipient_delay,omitempty"`
}

func (req *sendRequest) options() (dispatch.Options, error) {
	opts := dispatch.Options{
		Process:     req.Process,
		MessageType: req.MessageType,
		Variables:   req.Variables,
	}
	if req.PerRecipientDelay != "" {
		d, err := time.ParseDuration(req.PerRecipientDelay)
		if err != nil || d < 0 {
			return opts, errors.New("per_recipient_delay must be a non-negative duration")
		}
		opts.PerRecipientDelay = d
	}
	return opts, nil
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	req, err := a.parseSendRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := a.dispatcher.Send(r.Context(), tenant, req.Recipient, req.Body, req.Attachments, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (a *API) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	req, err := a.parseSendRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := a.dispatcher.SendBulk(r.Context(), tenant, req.Recipients, req.Body, req.Attachments, opts)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotImplemented, "delivery audit storage is not configured")
		return
	}
	tenant := chi.URLParam(r, "tenant")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := a.store.RecentDeliveries(r.Context(), tenant, limit)
	if err != nil {
		a.log.Warn("delivery query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "delivery query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": entries})
}

// parseSendRequest accepts either a JSON body or a multipart form with
// uploaded attachment files.
func (a *API) parseSendRequest(r *http.Request) (*sendRequest, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.New("bad request body")
		}
		return &req, nil
	}

	if a.uploadDir == "" {
		return nil, errors.New("attachment uploads are not configured")
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, errors.New("bad multipart body")
	}

	req := &sendRequest{
		Recipient:   r.FormValue("recipient"),
		Body:        r.FormValue("body"),
		Process:     r.FormValue("process"),
		MessageType: r.FormValue("message_type"),
	}
	if raw := r.FormValue("recipients"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Recipients); err != nil {
			return nil, errors.New("recipients must be a JSON array of strings")
		}
	}
	if raw := r.FormValue("variables"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
			return nil, errors.New("variables must be a JSON object of strings")
		}
	}
	req.PerRecipientDelay = r.FormValue("per_recipient_delay")

	for _, fh := range r.MultipartForm.File["attachments"] {
		path, err := a.saveUpload(fh)
		if err != nil {
			return nil, err
		}
		req.Attachments = append(req.Attachments, path)
	}
	return req, nil
}

func (a *API) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", errors.New("cannot read uploaded file")
	}
	defer src.Close()

	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		return "", errors.New("upload directory unavailable")
	}
	// Keep the original filename (attachment dedupe keys on it); a uuid
	// directory prevents collisions between requests.
	dir := filepath.Join(a.uploadDir, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", errors.New("upload directory unavailable")
	}
	dst := filepath.Join(dir, filepath.Base(fh.Filename))

	out, err := os.Create(dst)
	if err != nil {
		return "", errors.New("cannot store uploaded file")
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return "", errors.New("cannot store uploaded file")
	}
	return dst, nil
}
