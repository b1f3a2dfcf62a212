// Package gateway exposes a client over HTTP. Requests and replies are JSON:
//
//	POST /do        {"args": ["GET", "greeting"]}
//	POST /pipeline  {"commands": [["SET", "a", "1"], ["GET", "a"]]}
//
// Every reply is rendered as {"type": "bulk-string", "value": "..."}, arrays
// nest.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/ucp-ntfy/eredis/client"
	"github.com/ucp-ntfy/eredis/protocol"
)

const DefaultTimeout = 5 * time.Second

// Doer is the part of client.Client the gateway needs.
type Doer interface {
	Do(ctx context.Context, args ...string) (protocol.Value, error)
	Pipeline(ctx context.Context, cmds [][]string) ([]protocol.Value, error)
}

type Gateway struct {
	doer    Doer
	timeout time.Duration
	log     *zap.Logger
}

func New(doer Doer, timeout time.Duration, log *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Gateway{
		doer:    doer,
		timeout: timeout,
		log:     log,
	}
}

// Register adds the gateway routes to r.
func (g *Gateway) Register(r gin.IRoutes) {
	r.POST("/do", g.do)
	r.POST("/pipeline", g.pipeline)
}

func (g *Gateway) do(c *gin.Context) {
	body, ok := readJSON(c)
	if !ok {
		return
	}

	args, ok := stringArray(gjson.GetBytes(body, "args"))
	if !ok || len(args) == 0 {
		badRequest(c, "args must be a non empty array of strings")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), g.timeout)
	defer cancel()

	value, err := g.doer.Do(ctx, args...)

	var serverErr *protocol.ServerError
	if err != nil && !errors.As(err, &serverErr) {
		g.fail(c, err)
		return
	}

	reply, err := ValueJSON(value)
	if err != nil {
		g.fail(c, err)
		return
	}

	doc, err := sjson.SetRaw("", "reply", reply)
	if err != nil {
		g.fail(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", []byte(doc))
}

func (g *Gateway) pipeline(c *gin.Context) {
	body, ok := readJSON(c)
	if !ok {
		return
	}

	commands := gjson.GetBytes(body, "commands")
	if !commands.IsArray() || len(commands.Array()) == 0 {
		badRequest(c, "commands must be a non empty array")
		return
	}

	cmds := make([][]string, 0, len(commands.Array()))
	for _, command := range commands.Array() {
		args, ok := stringArray(command)
		if !ok || len(args) == 0 {
			badRequest(c, "every command must be a non empty array of strings")
			return
		}

		cmds = append(cmds, args)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), g.timeout)
	defer cancel()

	values, err := g.doer.Pipeline(ctx, cmds)
	if err != nil {
		g.fail(c, err)
		return
	}

	doc := `{"replies":[]}`
	for _, value := range values {
		reply, err := ValueJSON(value)
		if err != nil {
			g.fail(c, err)
			return
		}

		if doc, err = sjson.SetRaw(doc, "replies.-1", reply); err != nil {
			g.fail(c, err)
			return
		}
	}

	c.Data(http.StatusOK, "application/json", []byte(doc))
}

func (g *Gateway) fail(c *gin.Context, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		g.log.Warn("Request failed", zap.Int("status", status), zap.Error(err))
	}

	writeError(c, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrNotConnected),
		errors.Is(err, client.ErrConnectionLost),
		errors.Is(err, client.ErrStopped):
		return http.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		return http.StatusBadGateway
	}
}

// ValueJSON renders a reply as a JSON document.
func ValueJSON(v protocol.Value) (string, error) {
	doc, err := sjson.Set("", "type", v.Type.String())
	if err != nil {
		return "", err
	}

	switch v.Type {
	case protocol.Integer:
		return sjson.Set(doc, "value", v.Int)

	case protocol.Null:
		return sjson.SetRaw(doc, "value", "null")

	case protocol.Array:
		if doc, err = sjson.SetRaw(doc, "value", "[]"); err != nil {
			return "", err
		}

		for i, elem := range v.Array {
			raw, err := ValueJSON(elem)
			if err != nil {
				return "", err
			}

			if doc, err = sjson.SetRaw(doc, "value."+strconv.Itoa(i), raw); err != nil {
				return "", err
			}
		}

		return doc, nil

	default:
		return sjson.Set(doc, "value", string(v.Str))
	}
}

func readJSON(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}

	if !gjson.ValidBytes(body) {
		badRequest(c, "body is not valid JSON")
		return nil, false
	}

	return body, true
}

func stringArray(result gjson.Result) ([]string, bool) {
	if !result.IsArray() {
		return nil, false
	}

	elems := result.Array()
	args := make([]string, 0, len(elems))

	for _, elem := range elems {
		if elem.Type != gjson.String && elem.Type != gjson.Number {
			return nil, false
		}

		args = append(args, elem.String())
	}

	return args, true
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, http.StatusBadRequest, msg)
}

// writeError sends {"error": msg}, or just the status if that can't be built.
func writeError(c *gin.Context, status int, msg string) {
	doc, err := sjson.Set("", "error", msg)
	if err != nil {
		c.Status(status)
		return
	}

	c.Data(status, "application/json", []byte(doc))
}
