package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/opd-ai/permastore/storage"
	"github.com/opd-ai/permastore/transfer"
	"github.com/opd-ai/permastore/zkp"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, zkp.ErrDisabled):
		return "ZKP_DISABLED"
	case errors.Is(err, storage.ErrBlobNotFound):
		return "CONTENT_NOT_FOUND"
	}
	return transfer.ErrorCode(err)
}

func statusFor(code string) int {
	switch code {
	case "CONTENT_NOT_FOUND", "NOT_FOUND":
		return fiber.StatusNotFound
	case "INVALID_HASH", "EMPTY_PAYLOAD", "BAD_REQUEST":
		return fiber.StatusBadRequest
	case "PAYLOAD_TOO_LARGE":
		return fiber.StatusRequestEntityTooLarge
	case "ZKP_DISABLED":
		return fiber.StatusNotImplemented
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	code := errorCode(err)
	status := statusFor(code)

	entry := logrus.WithFields(logrus.Fields{
		"function": "writeError",
		"path":     c.Path(),
		"code":     code,
		"error":    err.Error(),
	})
	if status >= fiber.StatusInternalServerError && status != fiber.StatusNotImplemented {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	return c.Status(status).JSON(ErrorResponse{Detail: err.Error(), Code: code})
}

func badRequest(c *fiber.Ctx, detail string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Detail: detail, Code: "BAD_REQUEST"})
}

// fiberErrorHandler renders errors returned by fiber itself (routing,
// body limits) in the same shape as handler errors.
func fiberErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := "HTTP_ERROR"
		switch fe.Code {
		case fiber.StatusNotFound:
			code = "NOT_FOUND"
		case fiber.StatusRequestEntityTooLarge:
			code = "PAYLOAD_TOO_LARGE"
		}
		return c.Status(fe.Code).JSON(ErrorResponse{Detail: fe.Message, Code: code})
	}
	return writeError(c, err)
}
