// Package fetch is a reference nuke.DataLoader backed by fasthttp: the
// pipeline's own fetch task is transport-agnostic, and this is the concrete
// collaborator a caller wires in for SourceRemoteURL requests.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fetch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/NVIDIA/nuke"
	"github.com/valyala/fasthttp"
)

const defaultChunkSize = 64 << 10

// Loader is a nuke.DataLoader that streams an HTTP(S) response body in
// fixed-size chunks, honoring whatever Range/If-Range headers the pipeline
// set on req.Source.Headers for resumed downloads.
type Loader struct {
	client    *fasthttp.Client
	chunkSize int
}

// NewLoader builds a Loader. A nil client gets one configured for streamed
// response bodies (required for incremental onChunk delivery).
func NewLoader(client *fasthttp.Client) *Loader {
	if client == nil {
		client = &fasthttp.Client{StreamResponseBody: true}
	}
	return &Loader{client: client, chunkSize: defaultChunkSize}
}

type cancellable struct {
	once sync.Once
	stop chan struct{}
}

func (c *cancellable) Cancel() { c.once.Do(func() { close(c.stop) }) }

// LoadData issues the request and streams its body. onComplete is called
// at most once. Cancellation is checked before each body read; once it is
// seen, neither onChunk nor onComplete fires again. A cancel that lands
// while the request is in flight or a read is in progress does not stop
// that step's delivery.
func (l *Loader) LoadData(ctx context.Context, req *nuke.ImageRequest, onChunk func(chunk []byte, resp *nuke.TransportResponse), onComplete func(result nuke.LoadResult)) nuke.Cancellable {
	c := &cancellable{stop: make(chan struct{})}
	go l.run(ctx, req, onChunk, onComplete, c.stop)
	return c
}

func (l *Loader) run(ctx context.Context, req *nuke.ImageRequest, onChunk func([]byte, *nuke.TransportResponse), onComplete func(nuke.LoadResult), stop chan struct{}) {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(req.Source.URL)
	httpReq.Header.SetMethod(fasthttp.MethodGet)
	for k, v := range req.Source.Headers {
		httpReq.Header.Set(k, v)
	}

	if err := l.client.Do(httpReq, httpResp); err != nil {
		onComplete(nuke.LoadResult{Err: err})
		return
	}

	status := httpResp.StatusCode()
	transport := &nuke.TransportResponse{
		StatusCode: status,
		URL:        req.Source.URL,
		Headers:    headersFrom(httpResp),
	}
	if status != fasthttp.StatusOK && status != fasthttp.StatusPartialContent {
		onComplete(nuke.LoadResult{Response: transport, Err: fmt.Errorf("fetch: unexpected status %d for %s", status, req.Source.URL)})
		return
	}

	body := httpResp.BodyStream()
	if body == nil {
		data := append([]byte(nil), httpResp.Body()...)
		if len(data) > 0 {
			onChunk(data, transport)
		}
		onComplete(nuke.LoadResult{Data: data, Response: transport})
		return
	}

	var accumulated []byte
	buf := make([]byte, l.chunkSize)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			piece := append([]byte(nil), buf[:n]...)
			accumulated = append(accumulated, piece...)
			onChunk(piece, transport)
		}
		if err == io.EOF {
			onComplete(nuke.LoadResult{Data: accumulated, Response: transport})
			return
		}
		if err != nil {
			onComplete(nuke.LoadResult{Response: transport, Err: err})
			return
		}
	}
}

func headersFrom(resp *fasthttp.Response) map[string]string {
	out := make(map[string]string, 4)
	if v := resp.Header.Peek("ETag"); len(v) > 0 {
		out["ETag"] = string(v)
	}
	if v := resp.Header.Peek("Last-Modified"); len(v) > 0 {
		out["Last-Modified"] = string(v)
	}
	if v := resp.Header.Peek("Content-Length"); len(v) > 0 {
		out["Content-Length"] = string(v)
	}
	if v := resp.Header.Peek("Content-Type"); len(v) > 0 {
		out["Content-Type"] = string(v)
	}
	return out
}
