package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dvai-assistant/internal/usecase"
)

// Handler adapts the ask use case to API Gateway proxy events.
type Handler struct {
	uc   AskUseCase
	opts options
}

func NewHandler(uc AskUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: ask use case must not be nil")
	}
	return &Handler{uc: uc, opts: newOptions(opts)}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	headers := map[string]string{
		"Content-Type":      contentTypeJSON,
		headerCorrelationID: correlationID,
	}

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		headers["Allow"] = http.MethodPost
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusMethodNotAllowed,
			Headers:    headers,
			Body:       string(encodeJSON(errorResponse{Error: "METHOD_NOT_ALLOWED", Message: "use POST"})),
		}, nil
	}

	body := []byte(req.Body)
	var bodyErr error
	if req.IsBase64Encoded {
		body, bodyErr = base64.StdEncoding.DecodeString(req.Body)
	}

	in := buildInput(body, len(body), h.opts.maxBodyBytes)
	if bodyErr != nil {
		in.DecodeErr = fmt.Errorf("handler: decode base64 body: %w", bodyErr)
	}
	in.CorrelationID = correlationID
	in.Session = headerValue(req.Headers, headerSessionID)
	in.Subject = sourceIP(req)

	if h.opts.streaming && req.QueryStringParameters["stream"] == "true" {
		return h.handleStream(ctx, in, headers), nil
	}

	out, err := h.uc.Ask(ctx, in)
	if err != nil {
		status, body, retryAfter := errorBody(err)
		if retryAfter > 0 {
			headers[headerRetryAfter] = retryAfterSeconds(retryAfter)
		}
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(encodeJSON(body))}, nil
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       string(encodeJSON(successBody(out))),
	}, nil
}

// handleStream buffers the event stream; proxy integrations deliver it in one
// piece but clients parse it the same way as the flushed HTTP stream.
func (h *Handler) handleStream(ctx context.Context, in usecase.AskInput, headers map[string]string) events.APIGatewayProxyResponse {
	var buf bytes.Buffer
	stream := &sseStream{w: &buf}
	in.OnToken = stream.token

	out, err := h.uc.Ask(ctx, in)
	if err != nil && !stream.started {
		status, body, retryAfter := errorBody(err)
		if retryAfter > 0 {
			headers[headerRetryAfter] = retryAfterSeconds(retryAfter)
		}
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(encodeJSON(body))}
	}
	stream.finish(out, err)
	headers["Content-Type"] = contentTypeSSE
	headers["Cache-Control"] = "no-cache"
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: headers, Body: buf.String()}
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func sourceIP(req events.APIGatewayProxyRequest) string {
	if ip := strings.TrimSpace(req.RequestContext.Identity.SourceIP); ip != "" {
		return ip
	}
	return firstForwarded(headerValue(req.Headers, headerForwardedFor))
}
