package session

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	qrCode "github.com/skip2/go-qrcode"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/state"
	typSession "github.com/gdbrns/go-whatsapp-session-manager/internal/types"
	pkgAuth "github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

func profileFromContext(c *fiber.Ctx) string {
	if v := c.Locals("profile_id"); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// supervisorFor resolves the authenticated profile's supervisor. For an
// unknown profile it writes the 404 response itself and returns a nil
// supervisor; callers must bail out on nil, not on the error value, since a
// successful response write yields a nil error.
func supervisorFor(c *fiber.Ctx) (*wasession.Supervisor, error) {
	sup, err := state.Registry.Get(profileFromContext(c))
	if err != nil {
		return nil, router.ResponseNotFound(c, "Profile session is not initialized")
	}
	return sup, nil
}

// CreateProfile initializes a session for a profile and returns its bearer
// token. An omitted profile_id gets a generated one. Re-posting an existing
// profile returns the live session instead of racing a second one.
func CreateProfile(c *fiber.Ctx) error {
	var req typSession.RequestCreateProfile
	_ = c.BodyParser(&req)

	profileID := strings.TrimSpace(req.ProfileID)
	if profileID == "" {
		profileID = uuid.NewString()
	}
	if err := validation.ValidateProfileID(profileID); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	sup, created, err := state.Registry.GetOrCreate(profileID)
	if err != nil {
		var cfgErr *wasession.ConfigurationError
		if errors.As(err, &cfgErr) {
			return router.ResponseBadRequest(c, cfgErr.Error())
		}
		return router.ResponseInternalError(c, "Failed to initialize session: "+err.Error())
	}

	token, err := pkgAuth.GenerateProfileToken(profileID)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to generate profile token: "+err.Error())
	}

	response := typSession.ResponseProfileCreated{
		ProfileID: profileID,
		Token:     token,
		State:     sup.Record().State().String(),
	}

	if !created {
		response.Message = "Session already initialized"
		return router.ResponseSuccessWithData(c, "Session already initialized", response)
	}
	response.Message = "Session initializing. Poll status for the QR code or request a pairing code."
	return router.ResponseCreatedWithData(c, "Session created", response)
}

// GetStatus returns the last-known lifecycle state, even while a reconnect
// is in flight.
func GetStatus(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}
	return router.ResponseSuccessWithData(c, "Session status", sup.Record().Snapshot())
}

// Login serves the pending QR login artifact as a PNG, either inline HTML
// for browsers or JSON for API consumers.
func Login(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}

	output := strings.TrimSpace(c.Query("output"))
	if output == "" {
		output = "html"
	}

	record := sup.Record()
	if record.State() == wasession.StateConnected {
		return router.ResponseSuccess(c, "Session is already connected")
	}

	artifact := record.Artifact()
	if artifact == nil || artifact.Kind != wasession.ArtifactQR {
		return router.ResponseTooEarly(c, "QR code is not ready yet, poll again shortly")
	}

	qrPNG, err := qrCode.Encode(artifact.Value, qrCode.Medium, 256)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to render QR code: "+err.Error())
	}

	timeout := int(time.Until(artifact.ExpiresAt).Seconds())
	if timeout < 0 {
		timeout = 0
	}

	resLogin := typSession.ResponseLogin{
		QRCode:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG),
		Timeout: timeout,
	}

	if output == "html" {
		htmlContent := `
		<html>
			<head>
				<title>WhatsApp Session Login</title>
				<meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
			</head>
			<body>
				<img src="` + resLogin.QRCode + `" />
				<p>
					<b>QR Code Scan</b>
					<br/>
					Timeout in ` + strconv.Itoa(resLogin.Timeout) + ` Second(s)
				</p>
			</body>
		</html>
		`
		return router.ResponseSuccessWithHTML(c, htmlContent)
	}

	return router.ResponseSuccessWithData(c, "Success get login QR code", resLogin)
}

// LoginWithCode requests a phone-link pairing code from the transport.
func LoginWithCode(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}

	var reqLoginCode typSession.RequestLoginCode
	if err := c.BodyParser(&reqLoginCode); err != nil {
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	if err := validation.ValidatePhone(reqLoginCode.Phone); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	code, err := sup.RequestPairingCode(c.UserContext(), strings.TrimSpace(reqLoginCode.Phone))
	switch {
	case err == nil:
	case errors.Is(err, wasession.ErrNotReady):
		return router.ResponseTooEarly(c, "Transport session is not ready for pairing yet, retry shortly")
	case errors.Is(err, wasession.ErrAlreadyExists):
		return router.ResponseConflict(c, "Session is already linked to a phone")
	case errors.Is(err, wasession.ErrTerminated):
		return router.ResponseNotFound(c, "Session is terminated, create it again first")
	case wasession.IsTransportError(err):
		return router.ResponseBadGateway(c, err.Error())
	default:
		return router.ResponseInternalError(c, err.Error())
	}

	resLoginCode := typSession.ResponseLoginCode{
		PairCode: code,
		Timeout:  160,
	}
	return router.ResponseSuccessWithData(c, "Success generate pairing code", resLoginCode)
}

// SendMessage sends a text message through the profile's live connection.
func SendMessage(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}

	var reqSend typSession.RequestSendMessage
	if err := c.BodyParser(&reqSend); err != nil {
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	if strings.TrimSpace(reqSend.To) == "" {
		return router.ResponseBadRequest(c, "Recipient is required")
	}
	if strings.TrimSpace(reqSend.Body) == "" {
		return router.ResponseBadRequest(c, "Message body is required")
	}

	messageID, err := sup.SendMessage(c.UserContext(), reqSend.To, reqSend.Body)
	switch {
	case err == nil:
	case errors.Is(err, wasession.ErrNotConnected):
		return router.ResponseConflict(c, "Session is not connected")
	case wasession.IsTransportError(err):
		return router.ResponseBadGateway(c, err.Error())
	default:
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccessWithData(c, "Message sent", typSession.ResponseSendMessage{MessageID: messageID})
}

// Reconnect forces a fresh transport session; it also revives a parked one.
func Reconnect(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}

	if err := sup.Reconnect(); err != nil {
		if errors.Is(err, wasession.ErrTerminated) {
			return router.ResponseNotFound(c, "Session is terminated, create it again first")
		}
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponseSuccess(c, "Session reconnect scheduled")
}

// Disconnect terminates the session but keeps the credential bundle, so a
// later create can resume without re-linking.
func Disconnect(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}

	sup.Disconnect()
	return router.ResponseSuccess(c, "Session disconnected")
}

// Logout terminates the session and purges its credentials. The profile must
// re-link from scratch afterwards.
func Logout(c *fiber.Ctx) error {
	sup, err := supervisorFor(c)
	if sup == nil {
		return err
	}

	if err := sup.Logout(); err != nil {
		return router.ResponseInternalError(c, "Failed to purge credentials: "+err.Error())
	}
	return router.ResponseSuccess(c, "Session logged out and credentials purged")
}
