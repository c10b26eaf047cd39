package translate

import "sync"

// SentinelSignature is accepted by the upstream validator when the real
// thought signature for a replayed tool call is unknown.
const SentinelSignature = "skip_thought_signature_validator"

// maxSignatures caps the store; oldest insertions are evicted first.
const maxSignatures = 4096

// SignatureStore maps tool-use IDs to the opaque thought signatures the
// upstream issued with them, so replayed tool calls can echo the signature.
// Process-wide, safe for concurrent use.
type SignatureStore struct {
	mu      sync.RWMutex
	entries map[string]string
	order   []string
}

func NewSignatureStore() *SignatureStore {
	return &SignatureStore{entries: make(map[string]string)}
}

// Put records the signature for a tool-use ID.
func (s *SignatureStore) Put(id, sig string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; !exists {
		s.order = append(s.order, id)
	}
	s.entries[id] = sig

	for len(s.entries) > maxSignatures {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

// Get returns the stored signature for id, if any.
func (s *SignatureStore) Get(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.entries[id]
	return sig, ok
}

// GC drops every entry whose ID is not in live.
func (s *SignatureStore) GC(live map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := live[id]; ok {
			kept = append(kept, id)
		} else {
			delete(s.entries, id)
		}
	}
	s.order = kept
}

// Len reports the number of stored signatures.
func (s *SignatureStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
