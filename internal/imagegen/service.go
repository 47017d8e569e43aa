package imagegen

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"llmgate/internal/fetch"
	"llmgate/internal/governor"
)

type Kind string

const (
	KindInvalid     Kind = "invalid"
	KindQuota       Kind = "quota"
	KindTimeout     Kind = "timeout"
	KindPolicy      Kind = "policy"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
)

// UserError carries a message that is safe to show to the end user.
type UserError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *UserError) Error() string { return e.Message }
func (e *UserError) Unwrap() error { return e.Err }

func (e *UserError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindQuota, KindRateLimited:
		return http.StatusTooManyRequests
	case KindPolicy:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Service is the governed entry point for image generation.
type Service struct {
	gen *Generator
	gov *governor.Governor
}

func NewService(gen *Generator, gov *governor.Governor) *Service {
	return &Service{gen: gen, gov: gov}
}

func (s *Service) Generate(ctx context.Context, userID, prompt string, opts Options) (Result, error) {
	if err := validatePrompt(prompt); err != nil {
		return Result{}, err
	}
	var res Result
	err := s.gov.Run(ctx, userID, func(ctx context.Context) error {
		var err error
		res, err = s.gen.Generate(ctx, prompt, opts, userID)
		return err
	})
	if err != nil {
		return Result{}, s.userError(ctx, err)
	}
	return res, nil
}

func (s *Service) Usage(userID string) governor.Usage {
	return s.gov.Usage(userID)
}

func (s *Service) userError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var limit *governor.LimitError
	if errors.As(err, &limit) {
		return &UserError{Kind: KindQuota, Message: limit.Reason, Err: err}
	}
	var te *fetch.TimeoutError
	if errors.As(err, &te) {
		return &UserError{Kind: KindTimeout, Message: "Image generation timed out. Please try again.", Err: err}
	}

	status := 0
	var nre *fetch.NonRetryableError
	if errors.As(err, &nre) {
		if nre.Policy {
			return &UserError{Kind: KindPolicy, Message: "The image provider blocked this prompt under its content policy. Try rephrasing it.", Err: err}
		}
		status = nre.StatusCode
	}
	var se *fetch.StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		msg := "The image provider rejected the API key."
		if gb, ok := s.gen.Backend().(*GoogleBackend); ok && gb.Vertex() {
			msg = "Vertex AI rejected the credentials. Check the access token and that the project has Vertex AI enabled."
		}
		return &UserError{Kind: KindAuth, Message: msg, Err: err}
	case http.StatusTooManyRequests:
		return &UserError{Kind: KindRateLimited, Message: "The image provider is rate limiting requests. Please wait a minute and try again.", Err: err}
	}
	return &UserError{Kind: KindUpstream, Message: "The image provider failed to generate the image. Please try again later.", Err: err}
}

func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return &UserError{Kind: KindInvalid, Message: "Please describe the image you want."}
	}
	return nil
}
