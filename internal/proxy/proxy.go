// Package proxy implements the forwarding front-end for Bitcoin RPC:
// credential injection, Range re-serving, and an idempotency-keyed
// response cache.
package proxy

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cypherbabel/bito-indexer/internal/bitcoin"
	"github.com/cypherbabel/bito-indexer/internal/log"
)

// CacheCapacity bounds the idempotency cache.
const CacheCapacity = 1000

// CachedResponse is a stored upstream answer, replayed verbatim for
// repeated idempotency keys.
type CachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Server forwards requests to the upstream RPC endpoint.
type Server struct {
	target      string
	credentials string
	cache       *lru.Cache[string, *CachedResponse]
	client      *http.Client
}

// New builds a proxy for the target URL. credentials, when non-empty, is
// "user:pass" and is attached to upstream requests as HTTP Basic auth.
func New(target, credentials string) (*Server, error) {
	cache, err := lru.New[string, *CachedResponse](CacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Server{
		target:      strings.TrimSuffix(target, "/"),
		credentials: credentials,
		cache:       cache,
		client:      &http.Client{},
	}, nil
}

// Router builds the gin engine serving the proxy.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.NoRoute(s.handle)
	return r
}

// parseRange decodes a "bytes=start-end" header.
func parseRange(header string) (start, end int, ok bool) {
	if header == "" {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.Atoi(endStr)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func (s *Server) handle(c *gin.Context) {
	key := c.GetHeader("Idempotency-Key")
	if key != "" {
		if cached, ok := s.cache.Get(key); ok {
			log.Proxy.Debug().Str("key", key).Msg("cache hit")
			writeResponse(c, cached)
			return
		}
	}

	response, err := s.forward(c)
	if err != nil {
		log.Proxy.Error().Err(err).Msg("forward failed")
		c.String(http.StatusInternalServerError, "Internal Server Error")
		return
	}

	// Only successful answers are cached; errors must stay retryable.
	if key != "" && response.Status >= 200 && response.Status < 300 {
		log.Proxy.Debug().Str("key", key).Msg("cache created")
		s.cache.Add(key, response)
	}
	writeResponse(c, response)
}

// forward relays the request upstream and reshapes the answer for Range
// requests whose body exceeds the requested window.
func (s *Server) forward(c *gin.Context) (*CachedResponse, error) {
	start, end, ranged := parseRange(c.GetHeader("Range"))

	url := s.target + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, c.Request.Body)
	if err != nil {
		return nil, err
	}
	for name, values := range c.Request.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if s.credentials != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(s.credentials))
		req.Header.Set("Authorization", "Basic "+encoded)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Strip nondeterministic upstream headers so cached replays compare
	// byte-for-byte with the original forward.
	header := bitcoin.Transform(resp.Header)

	if !ranged {
		return &CachedResponse{
			Status: resp.StatusCode,
			Header: header,
			Body:   body,
		}, nil
	}

	if len(body) <= end-start+1 {
		return &CachedResponse{
			Status: http.StatusOK,
			Header: header,
			Body:   body,
		}, nil
	}

	var partial []byte
	if end >= len(body) {
		partial = body[start:]
	} else {
		partial = body[start : end+1]
	}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
	header.Set("Content-Length", strconv.Itoa(len(partial)))
	return &CachedResponse{
		Status: http.StatusPartialContent,
		Header: header,
		Body:   partial,
	}, nil
}

func writeResponse(c *gin.Context, r *CachedResponse) {
	for name, values := range r.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Status(r.Status)
	_, _ = c.Writer.Write(r.Body)
}
