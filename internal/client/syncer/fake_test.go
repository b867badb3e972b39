package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// fakeServer is a minimal in-memory system of record. It assigns keys
// "c-N", "v-N" and "p-N" and refuses children whose parent reference is
// not resolved.
type fakeServer struct {
	mu  sync.Mutex
	seq int

	clients  map[string]syncapi.Client
	visits   map[string]syncapi.Visit
	payments map[string]syncapi.Payment

	// forced overrides the result of operations by tag.
	forced  map[string]syncapi.OperationResult
	pushErr error
	pullErr error
	pull    syncapi.PullResponse

	batches []syncapi.BatchRequest
	pulls   []time.Time

	// block, when set, holds PushBatch until closed; entered is signalled
	// on every PushBatch call.
	block   chan struct{}
	entered chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clients:  make(map[string]syncapi.Client),
		visits:   make(map[string]syncapi.Visit),
		payments: make(map[string]syncapi.Payment),
		forced:   make(map[string]syncapi.OperationResult),
	}
}

func (s *fakeServer) PushBatch(ctx context.Context, req syncapi.BatchRequest) (*syncapi.BatchResponse, error) {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, req)
	if s.pushErr != nil {
		return nil, s.pushErr
	}

	resp := &syncapi.BatchResponse{ServerTimestamp: time.Now().UTC()}
	for _, op := range req.Operations.Clients {
		resp.Results = append(resp.Results, s.apply(syncapi.EntityClient, op))
	}
	for _, op := range req.Operations.Visits {
		resp.Results = append(resp.Results, s.apply(syncapi.EntityVisit, op))
	}
	for _, op := range req.Operations.Payments {
		resp.Results = append(resp.Results, s.apply(syncapi.EntityPayment, op))
	}
	return resp, nil
}

func (s *fakeServer) apply(entity syncapi.EntityType, op syncapi.Operation) syncapi.OperationResult {
	if res, ok := s.forced[op.Tag]; ok {
		res.OpID = op.OpID
		res.Entity = entity
		return res
	}
	res := syncapi.OperationResult{OpID: op.OpID, Entity: entity, Status: syncapi.StatusSuccess}
	fail := func(msg string) syncapi.OperationResult {
		res.Status = syncapi.StatusFailure
		res.Message = msg
		return res
	}

	id := op.RemoteID
	if op.Action == syncapi.ActionCreate {
		s.seq++
		id = fmt.Sprintf("%c-%d", entity[0], s.seq)
	}
	res.ServerID = id
	now := time.Now().UTC()

	switch entity {
	case syncapi.EntityClient:
		if op.Action == syncapi.ActionDelete {
			delete(s.clients, id)
			return res
		}
		var c syncapi.Client
		if err := json.Unmarshal(op.Payload, &c); err != nil {
			return fail(err.Error())
		}
		c.ID, c.UpdatedAt = id, now
		s.clients[id] = c
		res.Record, _ = json.Marshal(c)
	case syncapi.EntityVisit:
		if op.Action == syncapi.ActionDelete {
			delete(s.visits, id)
			return res
		}
		var v syncapi.Visit
		if err := json.Unmarshal(op.Payload, &v); err != nil {
			return fail(err.Error())
		}
		if _, ok := s.clients[v.Client.RemoteID]; !ok {
			return fail("unknown client")
		}
		v.ID, v.UpdatedAt = id, now
		s.visits[id] = v
		res.Record, _ = json.Marshal(v)
	case syncapi.EntityPayment:
		if op.Action == syncapi.ActionDelete {
			delete(s.payments, id)
			return res
		}
		var p syncapi.Payment
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fail(err.Error())
		}
		if _, ok := s.visits[p.Visit.RemoteID]; !ok {
			return fail("unknown visit")
		}
		p.ID, p.UpdatedAt = id, now
		if op.Action == syncapi.ActionCreate {
			p.ReceiptNumber = fmt.Sprintf("R-%04d", s.seq)
		}
		s.payments[id] = p
		res.Record, _ = json.Marshal(p)
	}
	return res
}

func (s *fakeServer) Pull(ctx context.Context, since time.Time) (*syncapi.PullResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls = append(s.pulls, since)
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	resp := s.pull
	return &resp, nil
}

func (s *fakeServer) Ping(context.Context) error { return nil }

func (s *fakeServer) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeServer) pullCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pulls)
}
