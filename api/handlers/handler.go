package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-values/api"
	"github.com/ruteri/secure-values/interfaces"
)

const (
	ErrTypeBadRequest = "BAD_REQUEST"
	ErrTypeInternal   = "INTERNAL"
)

// maxBodySize bounds request bodies. Values carry encrypted field payloads
// only, files travel through the transfer backends.
const maxBodySize = 4 << 20

// Handler exposes a RemoteService over JSON HTTP.
type Handler struct {
	service interfaces.RemoteService
	log     *slog.Logger
}

// NewHandler creates a Handler serving service.
func NewHandler(service interfaces.RemoteService, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

// RegisterRoutes mounts one POST route per remote operation below PathPrefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(api.PathPrefix+api.OpGetAuthorizationForm, h.HandleGetAuthorizationForm)
	r.Post(api.PathPrefix+api.OpGetPassword, h.HandleGetPassword)
	r.Post(api.PathPrefix+api.OpGetPasswordSettings, h.HandleGetPasswordSettings)
	r.Post(api.PathPrefix+api.OpUpdatePasswordSettings, h.HandleUpdatePasswordSettings)
	r.Post(api.PathPrefix+api.OpSaveSecureValue, h.HandleSaveSecureValue)
	r.Post(api.PathPrefix+api.OpDeleteSecureValue, h.HandleDeleteSecureValue)
	r.Post(api.PathPrefix+api.OpSendVerifyPhoneCode, h.HandleSendVerifyPhoneCode)
	r.Post(api.PathPrefix+api.OpResendCode, h.HandleResendCode)
	r.Post(api.PathPrefix+api.OpVerifyPhone, h.HandleVerifyPhone)
	r.Post(api.PathPrefix+api.OpSendVerifyEmailCode, h.HandleSendVerifyEmailCode)
	r.Post(api.PathPrefix+api.OpVerifyEmail, h.HandleVerifyEmail)
	r.Post(api.PathPrefix+api.OpAcceptAuthorization, h.HandleAcceptAuthorization)
}

// serve decodes the request body into Req, runs call and writes its result.
func serve[Req any, Resp any](h *Handler, w http.ResponseWriter, r *http.Request, call func(ctx context.Context, req Req) (Resp, error)) {
	var req Req
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.log.Debug("Malformed request", slog.String("path", r.URL.Path), "err", err)
		writeError(w, &interfaces.RPCError{Code: http.StatusBadRequest, Type: ErrTypeBadRequest})
		return
	}

	resp, err := call(r.Context(), req)
	if err != nil {
		var rpcErr *interfaces.RPCError
		if errors.As(err, &rpcErr) {
			h.log.Info("Request rejected", slog.String("path", r.URL.Path), slog.String("type", rpcErr.Type))
			writeError(w, rpcErr)
			return
		}
		h.log.Error("Request failed", slog.String("path", r.URL.Path), "err", err)
		writeError(w, &interfaces.RPCError{Code: http.StatusInternalServerError, Type: ErrTypeInternal})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", slog.String("path", r.URL.Path), "err", err)
	}
}

func writeError(w http.ResponseWriter, rpcErr *interfaces.RPCError) {
	code := rpcErr.Code
	if code < 400 || code > 599 {
		code = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Code: code, Type: rpcErr.Type})
}

func ok(err error) (api.OKResponse, error) {
	return api.OKResponse{OK: err == nil}, err
}

func (h *Handler) HandleGetAuthorizationForm(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, h.service.GetAuthorizationForm)
}

func (h *Handler) HandleGetPassword(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, _ struct{}) (*interfaces.PasswordInfo, error) {
		return h.service.GetPassword(ctx)
	})
}

func (h *Handler) HandleGetPasswordSettings(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.GetPasswordSettingsRequest) (*interfaces.PasswordSettings, error) {
		return h.service.GetPasswordSettings(ctx, req.AuthHash)
	})
}

func (h *Handler) HandleUpdatePasswordSettings(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.UpdatePasswordSettingsRequest) (api.OKResponse, error) {
		return ok(h.service.UpdatePasswordSettings(ctx, req.AuthHash, req.Settings))
	})
}

func (h *Handler) HandleSaveSecureValue(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.SaveSecureValueRequest) (*interfaces.SecureValue, error) {
		return h.service.SaveSecureValue(ctx, req.Value, req.SecretID)
	})
}

func (h *Handler) HandleDeleteSecureValue(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.DeleteSecureValueRequest) (api.OKResponse, error) {
		return ok(h.service.DeleteSecureValue(ctx, req.Types))
	})
}

func (h *Handler) HandleSendVerifyPhoneCode(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.SendVerifyPhoneCodeRequest) (*interfaces.SentCode, error) {
		return h.service.SendVerifyPhoneCode(ctx, req.Phone)
	})
}

func (h *Handler) HandleResendCode(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.ResendCodeRequest) (*interfaces.SentCode, error) {
		return h.service.ResendCode(ctx, req.Phone, req.PhoneCodeHash)
	})
}

func (h *Handler) HandleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.VerifyPhoneRequest) (api.OKResponse, error) {
		return ok(h.service.VerifyPhone(ctx, req.Phone, req.PhoneCodeHash, req.Code))
	})
}

func (h *Handler) HandleSendVerifyEmailCode(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.SendVerifyEmailCodeRequest) (*interfaces.SentEmailCode, error) {
		return h.service.SendVerifyEmailCode(ctx, req.Email)
	})
}

func (h *Handler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req api.VerifyEmailRequest) (api.OKResponse, error) {
		return ok(h.service.VerifyEmail(ctx, req.Email, req.Code))
	})
}

func (h *Handler) HandleAcceptAuthorization(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, func(ctx context.Context, req interfaces.Acceptance) (api.OKResponse, error) {
		return ok(h.service.AcceptAuthorization(ctx, req))
	})
}
