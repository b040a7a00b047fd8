package state

import (
	"fmt"
	"sort"
)

// PushRequest appends a request created at now and returns its index.
// The status must be Active or Dormant.
func (a *Account) PushRequest(payload Request, status RequestStatus, now, delay, ttl int64, requiredAuth []string, activeMax int) (uint64, error) {
	if !status.Pending() {
		return 0, fmt.Errorf("%w: cannot create request as %s", ErrInvalidStatus, status)
	}
	if err := payload.Validate(); err != nil {
		return 0, err
	}
	if len(a.ActiveRequests) >= activeMax {
		return 0, fmt.Errorf("%w: %d >= %d", ErrActiveRequestsCap, len(a.ActiveRequests), activeMax)
	}

	index := uint64(len(a.Requests))
	submission := now + delay
	a.Requests = append(a.Requests, KeeperRequest{
		Index:        index,
		Payload:      payload,
		Submission:   submission,
		Expiry:       submission + ttl,
		Status:       status,
		RequiredAuth: requiredAuth,
	})
	a.addActive(index)
	return index, nil
}

// Request returns the request at index.
func (a *Account) Request(index uint64) (*KeeperRequest, error) {
	if index >= uint64(len(a.Requests)) {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, index)
	}
	return &a.Requests[index], nil
}

// ProcessRequest advances a request at now. An expired request becomes
// Expired and expired is true; otherwise the request must be Active and
// becomes Executed.
func (a *Account) ProcessRequest(index uint64, now int64) (req *KeeperRequest, expired bool, err error) {
	if index < a.ValidRequestsStart {
		return nil, false, fmt.Errorf("%w: %d < %d", ErrBeforeValidStart, index, a.ValidRequestsStart)
	}
	req, err = a.Request(index)
	if err != nil {
		return nil, false, err
	}
	if now < req.Submission {
		return nil, false, fmt.Errorf("%w: now %d < %d", ErrBeforeSubmission, now, req.Submission)
	}

	if now >= req.Expiry {
		if !req.Status.Pending() {
			return nil, false, fmt.Errorf("%w: %d is %s", ErrInvalidStatus, index, req.Status)
		}
		req.Status = RequestExpired
		a.removeActive(index)
		return req, true, nil
	}

	if req.Status != RequestActive {
		return nil, false, fmt.Errorf("%w: %d is %s", ErrRequestNotActive, index, req.Status)
	}
	req.Status = RequestExecuted
	a.removeActive(index)
	return req, false, nil
}

// TrySetStatus moves the listed requests to Active (from Dormant only) or
// Cancelled (from Dormant or Active), resetting submission to now. Requests
// that cannot transition are skipped. It returns the indexes that changed.
func (a *Account) TrySetStatus(indexes []uint64, target RequestStatus, now int64) ([]uint64, error) {
	if target != RequestActive && target != RequestCancelled {
		return nil, fmt.Errorf("%w: target %s", ErrInvalidStatus, target)
	}

	var changed []uint64
	for _, index := range indexes {
		if index < a.ValidRequestsStart || index >= uint64(len(a.Requests)) {
			continue
		}
		req := &a.Requests[index]
		if target == RequestActive && req.Status != RequestDormant {
			continue
		}
		if !req.Status.CanTransitionTo(target) {
			continue
		}
		req.Status = target
		req.Submission = now
		if target == RequestCancelled {
			a.removeActive(index)
		}
		changed = append(changed, index)
	}
	return changed, nil
}

// CancelRequests cancels every listed request. Each must be Dormant or Active
// and at or above the fence.
func (a *Account) CancelRequests(indexes []uint64, now int64) error {
	for _, index := range indexes {
		if index < a.ValidRequestsStart {
			return fmt.Errorf("%w: %d < %d", ErrBeforeValidStart, index, a.ValidRequestsStart)
		}
		req, err := a.Request(index)
		if err != nil {
			return err
		}
		if !req.Status.CanTransitionTo(RequestCancelled) {
			return fmt.Errorf("%w: %d is %s", ErrInvalidStatus, index, req.Status)
		}
		req.Status = RequestCancelled
		req.Submission = now
		a.removeActive(index)
	}
	return nil
}

// InvalidateRequests advances the fence past every existing request.
func (a *Account) InvalidateRequests() {
	a.ValidRequestsStart = uint64(len(a.Requests))
	a.ActiveRequests = nil
}

func (a *Account) addActive(index uint64) {
	i := sort.Search(len(a.ActiveRequests), func(i int) bool { return a.ActiveRequests[i] >= index })
	if i < len(a.ActiveRequests) && a.ActiveRequests[i] == index {
		return
	}
	a.ActiveRequests = append(a.ActiveRequests, 0)
	copy(a.ActiveRequests[i+1:], a.ActiveRequests[i:])
	a.ActiveRequests[i] = index
}

func (a *Account) removeActive(index uint64) {
	i := sort.Search(len(a.ActiveRequests), func(i int) bool { return a.ActiveRequests[i] >= index })
	if i < len(a.ActiveRequests) && a.ActiveRequests[i] == index {
		a.ActiveRequests = append(a.ActiveRequests[:i], a.ActiveRequests[i+1:]...)
	}
}
