package service

import (
	"context"
	"fmt"

	"github.com/efreitasn/execgateway/internal/domain"
	"github.com/efreitasn/execgateway/internal/gate"
	"github.com/efreitasn/execgateway/internal/workpool"
)

// maxSliceChildren caps the number of child orders of one parent.
const maxSliceChildren = 100

// SliceOrderRequest splits a parent order into children of at most
// MaxChildQuantity. The parent's ClientOrderID prefixes the children's ids.
type SliceOrderRequest struct {
	SubmitOrderRequest
	MaxChildQuantity int64
}

// ChildResult is the outcome of one child submission.
type ChildResult struct {
	ClientOrderID string
	Quantity      int64
	Order         *domain.Order
	Created       bool
	Err           error
}

// SliceResult lists the children submitted for a parent. Submission stops
// at the first failing child; Err holds that failure.
type SliceResult struct {
	ParentID string
	Children []ChildResult
	Err      error
}

// Slice plans the children on the worker pool and submits them in order
// through the same pipeline as Submit, each under the slice gate class.
// Resubmitting a parent is safe: children that already exist come back as
// duplicates.
func (s *OrderService) Slice(ctx context.Context, req SliceOrderRequest) (*SliceResult, error) {
	if req.MaxChildQuantity <= 0 {
		return nil, &domain.ValidationError{Message: "max_child_quantity must be a positive integer"}
	}
	if err := validateStructure(req.SubmitOrderRequest); err != nil {
		return nil, err
	}

	plan, err := workpool.Run(ctx, s.pool, func() ([]ChildResult, error) {
		return planSlices(req.ClientOrderID, req.Quantity, req.MaxChildQuantity)
	})
	if err != nil {
		return nil, err
	}

	result := &SliceResult{ParentID: req.ClientOrderID}
	for _, child := range plan {
		childReq := req.SubmitOrderRequest
		childReq.ClientOrderID = child.ClientOrderID
		childReq.Quantity = child.Quantity

		child.Order, child.Created, child.Err = s.submitAs(ctx, childReq, gate.ClassSlice)
		result.Children = append(result.Children, child)
		if child.Err != nil {
			result.Err = child.Err
			break
		}
	}
	return result, nil
}

// planSlices splits qty into chunks of at most maxChild, largest first.
func planSlices(parentID string, qty, maxChild int64) ([]ChildResult, error) {
	n := (qty + maxChild - 1) / maxChild
	if n > maxSliceChildren {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("slicing %d into children of %d needs %d orders; the maximum is %d", qty, maxChild, n, maxSliceChildren),
		}
	}

	children := make([]ChildResult, 0, n)
	remaining := qty
	for i := int64(1); remaining > 0; i++ {
		q := min(remaining, maxChild)
		id := fmt.Sprintf("%s-%d", parentID, i)
		if !domain.ValidClientOrderID(id) {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("child id %s is not a valid client_order_id", id)}
		}
		children = append(children, ChildResult{ClientOrderID: id, Quantity: q})
		remaining -= q
	}
	return children, nil
}
