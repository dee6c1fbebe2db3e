package web

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/app"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/guardrails"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/httpserver/httputil"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/limits"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/requestctx"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/clips"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/services/generation"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/sessions"
)

type handler struct {
	container *app.Container
}

type generateForm struct {
	APIKey string `form:"openai_api_key"`
	Model  string `form:"model"`
	Prompt string `form:"prompt"`
}

func (f generateForm) request() generation.DescribeRequest {
	return generation.DescribeRequest{APIKey: f.APIKey, Model: f.Model, Prompt: f.Prompt}
}

func (h *handler) basePage(variant, action string) pageData {
	return pageData{
		Variant:       variant,
		Action:        action,
		Models:        h.container.Generation.Models(),
		SelectedModel: h.container.Generation.DefaultModel(),
	}
}

func (h *handler) parseForm(c *fiber.Ctx, data *pageData) generateForm {
	var form generateForm
	_ = c.BodyParser(&form)
	data.Prompt = form.Prompt
	if model := strings.TrimSpace(form.Model); model != "" {
		data.SelectedModel = model
	}
	return form
}

func (h *handler) combinedPage(c *fiber.Ctx) error {
	return render(c, fiber.StatusOK, h.basePage(variantCombined, "/generate"))
}

func (h *handler) generate(c *fiber.Ctx) error {
	data := h.basePage(variantCombined, "/generate")
	form := h.parseForm(c, &data)
	if err := h.container.Generation.CheckDescribe(form.request()); err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, errorStatus(err), data)
	}

	release, err := h.container.AcquireGenerationSlot(httputil.UserContext(c), httputil.ClientKey(c))
	defer release()
	if err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, limitStatus(c, err), data)
	}

	result, err := h.container.Generation.Generate(httputil.UserContext(c), form.request())
	if err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, errorStatus(err), data)
	}
	data.Description = result.Description.Text
	data.Clip = &result.Clip
	return render(c, fiber.StatusOK, data)
}

func (h *handler) studioPage(c *fiber.Ctx) error {
	data := h.basePage(variantStudio, "/studio/describe")
	sessionID, ok := h.sessionID(c)
	if !ok {
		return render(c, fiber.StatusOK, data)
	}
	sess, err := h.container.Generation.Session(httputil.UserContext(c), sessionID)
	if err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, fiber.StatusInternalServerError, data)
	}
	h.applySession(c, &data, sess)
	return render(c, fiber.StatusOK, data)
}

func (h *handler) studioDescribe(c *fiber.Ctx) error {
	data := h.basePage(variantStudio, "/studio/describe")
	form := h.parseForm(c, &data)
	sessionID := h.ensureSession(c)
	if err := h.container.Generation.CheckDescribe(form.request()); err != nil {
		// keep showing the held description, as a failed step does
		held, _ := h.container.Generation.Session(httputil.UserContext(c), sessionID)
		data.Error = generation.UserMessage(err)
		data.Description = held.Description
		return render(c, errorStatus(err), data)
	}

	release, err := h.container.AcquireGenerationSlot(httputil.UserContext(c), httputil.ClientKey(c))
	defer release()
	if err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, limitStatus(c, err), data)
	}

	sess, err := h.container.Generation.DescribeStep(httputil.UserContext(c), sessionID, form.request())
	if err != nil {
		data.Error = generation.UserMessage(err)
		data.Description = sess.Description
		return render(c, errorStatus(err), data)
	}
	h.applySession(c, &data, sess)
	return render(c, fiber.StatusOK, data)
}

func (h *handler) studioSynthesize(c *fiber.Ctx) error {
	data := h.basePage(variantStudio, "/studio/describe")
	h.parseForm(c, &data)
	sessionID := h.ensureSession(c)
	held, err := h.container.Generation.Session(httputil.UserContext(c), sessionID)
	if err == nil && !held.HasDescription() {
		err = generation.ErrNoDescription
	}
	if err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, errorStatus(err), data)
	}

	release, err := h.container.AcquireGenerationSlot(httputil.UserContext(c), httputil.ClientKey(c))
	defer release()
	if err != nil {
		data.Error = generation.UserMessage(err)
		return render(c, limitStatus(c, err), data)
	}

	sess, clip, err := h.container.Generation.SynthesizeStep(httputil.UserContext(c), sessionID)
	if err != nil {
		data.Error = generation.UserMessage(err)
		data.Description = sess.Description
		return render(c, errorStatus(err), data)
	}
	if data.Prompt == "" {
		data.Prompt = sess.Prompt
	}
	data.Description = sess.Description
	data.Clip = &clip
	return render(c, fiber.StatusOK, data)
}

func (h *handler) studioDescription(c *fiber.Ctx) error {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, generation.NoDescriptionMessage)
	}
	sess, err := h.container.Generation.Session(httputil.UserContext(c), sessionID)
	if err != nil {
		return err
	}
	if !sess.HasDescription() {
		return fiber.NewError(fiber.StatusNotFound, generation.NoDescriptionMessage)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", clips.DescriptionFilename))
	return c.SendString(sess.Description)
}

func (h *handler) clipAudio(c *fiber.Ctx) error {
	reader, clip, err := h.container.Clips.OpenAudio(httputil.UserContext(c), c.Params("id"))
	if err != nil {
		return clipError(err)
	}
	defer reader.Close()
	c.Set(fiber.HeaderContentType, clip.ContentType)
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(clip.Bytes, 10))
	c.Set(fiber.HeaderCacheControl, "private, max-age="+strconv.Itoa(int(time.Until(clip.ExpiresAt).Seconds())))
	disposition := "inline"
	if c.QueryBool("download") {
		disposition = "attachment"
	}
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("%s; filename=%q", disposition, clip.AudioFilename()))
	_, err = io.Copy(c, reader)
	return err
}

func (h *handler) clipDescription(c *fiber.Ctx) error {
	text, _, err := h.container.Clips.Description(httputil.UserContext(c), c.Params("id"))
	if err != nil {
		return clipError(err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", clips.DescriptionFilename))
	return c.SendString(text)
}

func (h *handler) applySession(c *fiber.Ctx, data *pageData, sess sessions.Session) {
	if data.Prompt == "" {
		data.Prompt = sess.Prompt
	}
	if sess.Model != "" {
		data.SelectedModel = sess.Model
	}
	data.Description = sess.Description
	if sess.ClipID == "" {
		return
	}
	if clip, err := h.container.Clips.Get(httputil.UserContext(c), sess.ClipID); err == nil {
		data.Clip = &clip
	}
}

func (h *handler) sessionID(c *fiber.Ctx) (string, bool) {
	id := c.Cookies(h.container.Config.Sessions.CookieName)
	if !sessions.ValidID(id) {
		return "", false
	}
	return id, true
}

// ensureSession returns the caller's session id, issuing a cookie for new browsers.
func (h *handler) ensureSession(c *fiber.Ctx) string {
	id, ok := h.sessionID(c)
	if !ok {
		id = sessions.NewID()
	}
	h.setSessionCookie(c, id)
	if rc, ok := requestctx.FromContext(httputil.UserContext(c)); ok {
		rc.SessionID = id
	}
	return id
}

func (h *handler) setSessionCookie(c *fiber.Ctx, id string) {
	cfg := h.container.Config.Sessions
	c.Cookie(&fiber.Cookie{
		Name:     cfg.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cfg.TTL.Seconds()),
		Secure:   cfg.SecureCookie,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func limitStatus(c *fiber.Ctx, err error) int {
	if errors.Is(err, limits.ErrLimitExceeded) {
		httputil.SetRetryAfter(c, limits.RetryAfter(err))
		return fiber.StatusTooManyRequests
	}
	return fiber.StatusInternalServerError
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, generation.ErrInvalidInput),
		errors.Is(err, generation.ErrNoDescription),
		errors.Is(err, generation.ErrUnsupportedModel):
		return fiber.StatusBadRequest
	case errors.Is(err, guardrails.ErrBlocked):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusBadGateway
	}
}

func clipError(err error) error {
	if errors.Is(err, clips.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "clip not found or expired")
	}
	return err
}
