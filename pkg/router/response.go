package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

type Response struct {
	Status  bool        `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func logSuccess(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message || c.OriginalURL() == BaseURL {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Info(fmt.Sprintf("%d %v", code, message))
	}
}

func logError(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, message))
	}
}

func respondOK(c *fiber.Ctx, code int, message string, data interface{}) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	logSuccess(c, code, message)
	return c.Status(code).JSON(Response{
		Status:  true,
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func respondErr(c *fiber.Ctx, code int, message string) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	logError(c, code, message)
	return c.Status(code).JSON(Response{
		Status:  false,
		Code:    code,
		Message: message,
		Error:   message,
	})
}

func ResponseSuccess(c *fiber.Ctx, message string) error {
	return respondOK(c, http.StatusOK, message, nil)
}

func ResponseSuccessWithData(c *fiber.Ctx, message string, data interface{}) error {
	return respondOK(c, http.StatusOK, message, data)
}

func ResponseCreated(c *fiber.Ctx, message string) error {
	return respondOK(c, http.StatusCreated, message, nil)
}

func ResponseCreatedWithData(c *fiber.Ctx, message string, data interface{}) error {
	return respondOK(c, http.StatusCreated, message, data)
}

func ResponseSuccessWithHTML(c *fiber.Ctx, html string) error {
	logSuccess(c, http.StatusOK, http.StatusText(http.StatusOK))
	c.Type("html", "utf-8")
	return c.Status(http.StatusOK).SendString(html)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusBadRequest, message)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusUnauthorized, message)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusNotFound, message)
}

func ResponseConflict(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusConflict, message)
}

// ResponseTooEarly is used for operations attempted before the transport
// handshake reached the required point.
func ResponseTooEarly(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusTooEarly, message)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusInternalServerError, message)
}

func ResponseBadGateway(c *fiber.Ctx, message string) error {
	return respondErr(c, http.StatusBadGateway, message)
}
