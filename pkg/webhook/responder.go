package webhook

import (
	"net/http"
	"sync"
)

// Response is a fully buffered HTTP response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Responder holds the single response of one webhook request. The first call
// to Respond wins; later calls are no-ops.
type Responder struct {
	mu        sync.Mutex
	responded bool
	resp      Response
	done      chan struct{}
}

// NewResponder creates an unsettled responder.
func NewResponder() *Responder {
	return &Responder{done: make(chan struct{})}
}

// Respond settles the response. It reports whether this call won.
func (r *Responder) Respond(resp Response) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded {
		return false
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	r.responded = true
	r.resp = resp
	close(r.done)
	return true
}

// Reply settles the response with a 200 and the given body.
func (r *Responder) Reply(contentType string, body []byte) error {
	if !r.Respond(Response{Status: http.StatusOK, ContentType: contentType, Body: body}) {
		return ErrResponded
	}
	return nil
}

// Done is closed once the response is settled.
func (r *Responder) Done() <-chan struct{} {
	return r.done
}

// Responded reports whether the response is settled.
func (r *Responder) Responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}

// Result returns the settled response.
func (r *Responder) Result() (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.responded
}
