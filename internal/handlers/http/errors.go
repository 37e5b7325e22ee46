package http

import (
	stderrors "errors"
	"net/http"

	"medlink/internal/core/domain"
	"medlink/pkg/errors"
)

// FromDomain maps a domain failure onto the API error it is rendered as.
func FromDomain(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	var (
		deviceErr       *domain.DeviceError
		signalingErr    *domain.SignalingError
		negotiationErr  *domain.NegotiationError
		connectivityErr *domain.ConnectivityError
		playbackErr     *domain.PlaybackError
	)

	switch {
	case stderrors.Is(err, domain.ErrUnknownRole):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrNeedsInteraction):
		return errors.WrapError(err, errors.ErrCodeNeedsInteraction, "playback requires user interaction", http.StatusConflict)
	case stderrors.Is(err, domain.ErrNothingToPlay):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.As(err, &deviceErr):
		return errors.WrapError(err, errors.ErrCodeDevice, deviceErr.Error(), http.StatusServiceUnavailable).
			WithContext("reason", string(deviceErr.Reason))
	case stderrors.As(err, &signalingErr):
		return errors.WrapError(err, errors.ErrCodeSignaling, signalingErr.Error(), http.StatusBadGateway).
			WithContext("status", signalingErr.Status)
	case stderrors.As(err, &negotiationErr):
		return errors.WrapError(err, errors.ErrCodeNegotiation, negotiationErr.Error(), http.StatusInternalServerError).
			WithContext("step", negotiationErr.Step)
	case stderrors.As(err, &connectivityErr):
		return errors.WrapError(err, errors.ErrCodeConnectivity, connectivityErr.Error(), http.StatusBadGateway)
	case stderrors.As(err, &playbackErr):
		return errors.WrapError(err, errors.ErrCodePlayback, playbackErr.Error(), http.StatusBadGateway).
			WithContext("class", playbackErr.Class.String())
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
	}
}
