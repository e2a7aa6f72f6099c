package api

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/store"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Models

func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	f, err := modelFilterOf(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	page, err := s.queries.ListModels(ctx, f)
	respond(ctx, fasthttp.StatusOK, page, err)
}

func (s *Server) handleGetModel(ctx *fasthttp.RequestCtx) {
	m, err := s.queries.GetModel(ctx, pathID(ctx))
	respond(ctx, fasthttp.StatusOK, m, err)
}

func (s *Server) handleCreateModel(ctx *fasthttp.RequestCtx) {
	var m store.Model
	if err := decodeBody(ctx, &m, false); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	created, err := s.queries.CreateModel(ctx, m)
	respond(ctx, fasthttp.StatusCreated, created, err)
}

func (s *Server) handleUpdateModel(ctx *fasthttp.RequestCtx) {
	var p store.ModelPatch
	if err := decodeBody(ctx, &p, false); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	m, err := s.queries.UpdateModel(ctx, pathID(ctx), p)
	respond(ctx, fasthttp.StatusOK, m, err)
}

// Logs

func (s *Server) handleListLogs(ctx *fasthttp.RequestCtx) {
	f, err := logFilterOf(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	page, err := s.queries.ListLogs(ctx, f)
	respond(ctx, fasthttp.StatusOK, page, err)
}

func (s *Server) handleGetLog(ctx *fasthttp.RequestCtx) {
	l, err := s.queries.GetLog(ctx, pathID(ctx))
	respond(ctx, fasthttp.StatusOK, l, err)
}

// handleLogData returns the stored {request, response} document verbatim.
func (s *Server) handleLogData(ctx *fasthttp.RequestCtx) {
	doc, err := s.queries.LogData(ctx, pathID(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(doc)
}

func (s *Server) handleCreateLog(ctx *fasthttp.RequestCtx) {
	var l store.Log
	if err := decodeBody(ctx, &l, false); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	created, err := s.queries.CreateLog(ctx, l)
	respond(ctx, fasthttp.StatusCreated, created, err)
}

func (s *Server) handleUpdateLog(ctx *fasthttp.RequestCtx) {
	var p store.LogPatch
	if err := decodeBody(ctx, &p, false); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	l, err := s.queries.UpdateLog(ctx, pathID(ctx), p)
	respond(ctx, fasthttp.StatusOK, l, err)
}

// Analytics

// handleAnalytics aggregates over the filter in the body. An empty body
// aggregates every log.
func (s *Server) handleAnalytics(ctx *fasthttp.RequestCtx) {
	var f store.LogFilter
	if err := decodeBody(ctx, &f, true); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	sum, err := s.queries.Analytics(ctx, f)
	respond(ctx, fasthttp.StatusOK, sum, err)
}

func respond(ctx *fasthttp.RequestCtx, status int, v any, err error) {
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, status, v)
}
