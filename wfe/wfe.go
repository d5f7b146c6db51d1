// Package wfe provides the web front end: the single HTTP endpoint
// that decodes chocolate messages, hands them to the protocol engine,
// and encodes the responses. Transport concerns stop here; the engine
// never sees HTTP.
package wfe

import (
	"fmt"
	"io"
	"net/http"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/letsencrypt/chocolate/engine"
	blog "github.com/letsencrypt/chocolate/log"
	"github.com/letsencrypt/chocolate/probs"
	"github.com/letsencrypt/chocolate/wire"
)

// maxRequestSize bounds how many body bytes we are willing to read.
// Messages are small; a CSR dominates, and 64 KiB is generous.
const maxRequestSize = 64 * 1024

// indexHTML is returned for anything that is not a protocol POST.
const indexHTML = "<html><body>This is a chocolate certificate issuance server. It only accepts POST requests.</body></html>\n"

// WebFrontEndImpl serves the chocolate protocol over HTTP.
type WebFrontEndImpl struct {
	eng   *engine.Engine
	codec wire.Codec
	clk   clock.Clock
	log   blog.Logger

	responseTime *prometheus.HistogramVec
}

// NewWebFrontEndImpl constructs a web front end around an engine and a
// codec.
func NewWebFrontEndImpl(eng *engine.Engine, codec wire.Codec, clk clock.Clock, logger blog.Logger, stats prometheus.Registerer) *WebFrontEndImpl {
	responseTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "chocolate_response_time",
			Help: "Time taken to respond to a request, labeled by method and code",
		},
		[]string{"method", "code"},
	)
	stats.MustRegister(responseTime)

	return &WebFrontEndImpl{
		eng:          eng,
		codec:        codec,
		clk:          clk,
		log:          logger,
		responseTime: responseTime,
	}
}

// Handler returns the root handler, wrapped to record response times.
func (wfe *WebFrontEndImpl) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", wfe.Session)
	return wfe.measured(mux)
}

// Session is the protocol endpoint. Every path serves it; the message,
// not the URL, carries the session.
func (wfe *WebFrontEndImpl) Session(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		response.Header().Set("Content-Type", "text/html")
		fmt.Fprint(response, indexHTML)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(response, request.Body, maxRequestSize))
	if err != nil {
		wfe.sendEarlyFailure(response, probs.New(probs.BadRequest))
		return
	}

	m, err := wfe.codec.Unmarshal(body)
	if err != nil {
		// Malformed bytes: answer with a failure without attempting
		// any session processing.
		wfe.log.Debug(fmt.Sprintf("rejecting undecodable message: %s", err))
		wfe.sendEarlyFailure(response, probs.New(probs.BadRequest))
		return
	}

	r := wfe.eng.Handle(request.Context(), m)

	if m.Debug {
		response.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(response, "SAW MESSAGE:\n%s\nRESPONSE:\n%s", m.Dump(), r.Dump())
		return
	}

	wfe.sendMessage(response, r)
}

// sendEarlyFailure answers a request that never reached the engine.
func (wfe *WebFrontEndImpl) sendEarlyFailure(response http.ResponseWriter, f *probs.Failure) {
	r := &wire.Message{Version: wire.Version}
	r.Fail(f)
	wfe.sendMessage(response, r)
}

func (wfe *WebFrontEndImpl) sendMessage(response http.ResponseWriter, r *wire.Message) {
	body, err := wfe.codec.Marshal(r)
	if err != nil {
		wfe.log.AuditErr(fmt.Sprintf("marshaling response: %s", err))
		response.WriteHeader(http.StatusInternalServerError)
		return
	}
	response.Header().Set("Content-Type", wfe.codec.ContentType())
	_, _ = response.Write(body)
}

// responseWriterWithStatus satisfies http.ResponseWriter, but keeps
// track of the status code for gathering stats.
type responseWriterWithStatus struct {
	http.ResponseWriter
	code int
}

func (w *responseWriterWithStatus) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriterWithStatus) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// measured wraps a handler to record a response-time histogram.
func (wfe *WebFrontEndImpl) measured(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := wfe.clk.Now()
		rwws := &responseWriterWithStatus{ResponseWriter: w}
		defer func() {
			code := rwws.code
			if code == 0 {
				code = http.StatusOK
			}
			wfe.responseTime.With(prometheus.Labels{
				"method": r.Method,
				"code":   fmt.Sprintf("%d", code),
			}).Observe(wfe.clk.Since(begin).Seconds())
		}()
		h.ServeHTTP(rwws, r)
	})
}
