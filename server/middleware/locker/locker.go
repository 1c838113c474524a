// Package locker provides an HTTP middleware which refuses requests with 423
// (locked) while a server is locked, e.g. while a calibration is being taken
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"path"
	"sync"

	"github.com/ghzlab/dacal/server"
	"github.com/sirupsen/logrus"
)

// Inject adds GET and POST /lock to a server.HTTPer's route table
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[server.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a flag guarding a set of routes.  Routes whose last path
// element is in Exempt are served regardless.
type Locker struct {
	mu     sync.RWMutex
	locked bool

	Exempt map[string]bool
}

// New returns an unlocked Locker that exempts /lock and /endpoints
func New() *Locker {
	return &Locker{Exempt: map[string]bool{"lock": true, "endpoints": true}}
}

func (l *Locker) set(b bool) {
	l.mu.Lock()
	changed := l.locked != b
	l.locked = b
	l.mu.Unlock()
	if changed {
		logrus.WithField("locked", b).Info("lock changed")
	}
}

// Lock the locker
func (l *Locker) Lock() { l.set(true) }

// Unlock the locker
func (l *Locker) Unlock() { l.set(false) }

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

// Check is an HTTP middleware that responds http.StatusLocked to requests
// for protected routes while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && !l.Exempt[path.Base(r.URL.Path)] {
			http.Error(w, "locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks according to a BoolT body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	b := server.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.set(b.Bool)
	w.WriteHeader(http.StatusOK)
}

// HTTPGet responds with Locked() as a BoolT
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
