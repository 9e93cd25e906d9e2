package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	// Payload carries the original failed input back to the caller for
	// diagnostics, when one exists.
	Payload interface{} `json:"payload,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError maps an error through the apierr taxonomy, so handlers do
// not pick statuses by hand.
func RespondAPIError(c *gin.Context, err error) {
	RespondError(c, apierr.StatusOf(err), apierr.CodeOf(err), err)
}

// RespondFailedPayload is RespondAPIError plus the original payload the
// operation could not process.
func RespondFailedPayload(c *gin.Context, err error, payload interface{}) {
	c.JSON(apierr.StatusOf(err), ErrorEnvelope{
		Error: APIError{
			Message: err.Error(),
			Code:    apierr.CodeOf(err),
			Payload: payload,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
