package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"voicecloner/internal/pkg/voicecloner/errs"
)

// classify maps a failed completion call onto the provider error kinds.
// status is the HTTP status the service answered with, or 0 when no
// response was received.
func classify(op string, status int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.E(errs.KindProviderUnavailable, op, err)
	}

	switch status {
	case 0:
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.E(errs.KindProviderUnavailable, op, err)
	default:
		return errs.E(errs.KindProviderResponseError, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.E(errs.KindProviderUnavailable, op, err)
	}
	return errs.E(errs.KindProviderResponseError, op, err)
}

func completionText(op string, choices int, content string) (string, error) {
	if choices == 0 {
		return "", errs.Ef(errs.KindProviderResponseError, op, "completion returned no choices")
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return "", errs.Ef(errs.KindProviderResponseError, op, "completion is empty")
	}
	return text, nil
}
