package bundler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      interface{}   `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	// Never omitted: a missing receipt answers with an explicit null result,
	// which callers distinguish from an error.
	Result interface{} `json:"result"`
	Error  *rpcError   `json:"error,omitempty"`
	ID     interface{} `json:"id"`
}

func (b *Bundler) startHttpServer() {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if b.status == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})))

	e.POST("/", b.handleRPC)

	b.httpServer = e

	addr := b.config.HttpBindAddress
	b.logger.Info("HTTP server listening", "address", addr)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("HTTP server stopped", "address", addr, "error", err)
		}
	}()
}

// handleRPC dispatches one JSON-RPC envelope. Every failure path returns a
// stable {code, message} pair; a bad operation never takes the service down.
func (b *Bundler) handleRPC(c echo.Context) error {
	req := &rpcRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusOK, errorResponse(nil, codeInvalidParams, "cannot parse request"))
	}

	result, rpcErr := b.dispatch(c, req)
	if rpcErr != nil {
		return c.JSON(http.StatusOK, errorResponse(req.ID, rpcErr.Code, rpcErr.Message))
	}

	return c.JSON(http.StatusOK, &rpcResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

func (b *Bundler) dispatch(c echo.Context, req *rpcRequest) (interface{}, *rpcError) {
	ctx := c.Request().Context()

	switch req.Method {
	case methodSendUserOperation:
		args, entryPoint, rpcErr := decodeOperationParams(req.Params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		id, err := b.sendUserOperation(ctx, args, entryPoint)
		if err != nil {
			return nil, toRPCError(err)
		}
		return id, nil

	case methodEstimateUserOperationGas:
		args, entryPoint, rpcErr := decodeOperationParams(req.Params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		estimate, err := b.estimateOperationGas(ctx, args, entryPoint)
		if err != nil {
			return nil, toRPCError(err)
		}
		return estimate, nil

	case methodGetUserOperationReceipt:
		if len(req.Params) < 1 {
			return nil, &rpcError{Code: codeInvalidParams, Message: "missing operation hash"}
		}
		id, ok := req.Params[0].(string)
		if !ok {
			return nil, &rpcError{Code: codeInvalidParams, Message: "operation hash must be a hex string"}
		}
		receipt, err := b.getUserOperationReceipt(id)
		if err != nil {
			return nil, toRPCError(err)
		}
		if receipt == nil {
			// null result, not an error
			return nil, nil
		}
		return receipt, nil

	case methodSupportedEntryPoints:
		return b.supportedEntryPoints(), nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
	}
}

// decodeOperationParams pulls [userOperation, entryPointAddress] out of the
// params array.
func decodeOperationParams(params []interface{}) (*userOperationArgs, string, *rpcError) {
	if len(params) < 2 {
		return nil, "", &rpcError{Code: codeInvalidParams, Message: "expected [userOperation, entryPoint] params"}
	}

	args := &userOperationArgs{}
	if err := mapstructure.Decode(params[0], args); err != nil {
		return nil, "", &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("cannot decode user operation: %s", err)}
	}

	if err := validator.New().Struct(args); err != nil {
		return nil, "", &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid user operation: %s", err)}
	}

	entryPoint, ok := params[1].(string)
	if !ok {
		return nil, "", &rpcError{Code: codeInvalidParams, Message: "entry point must be an address string"}
	}

	return args, entryPoint, nil
}

// toRPCError maps internal errors onto the stable wire codes. Rejections and
// internal failures share code 500; the message tells them apart. The
// underlying message is forwarded, never a stack trace.
func toRPCError(err error) *rpcError {
	return &rpcError{Code: codeServerError, Message: err.Error()}
}

func errorResponse(id interface{}, code int, message string) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message},
		ID:      id,
	}
}
