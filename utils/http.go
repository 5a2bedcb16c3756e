package utils

import (
	"github.com/valyala/fasthttp"
)

const HeaderRequestID = "X-Request-ID"

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := Marshal(body)
	if err != nil {
		WriteError(ctx, fasthttp.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	noCache(ctx)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, title, message string) {
	noCache(ctx)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	data, err := Marshal(ErrorBody{Error: title, Message: message})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error"}`)
		return
	}
	ctx.SetBody(data)
}

func noCache(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := ctx.Request.Header.Peek(HeaderRequestID); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV(HeaderRequestID, requestID)
	}
}
