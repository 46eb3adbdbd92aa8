package deal

import (
	"fmt"
	"strings"

	"escrowflow/escrow"
)

type AddTrackingRequest struct {
	DealID         string
	TrackingNumber string
	Carrier        string
}

func (r AddTrackingRequest) Validate() error {
	if strings.TrimSpace(r.DealID) == "" {
		return fmt.Errorf("%w: deal id required", escrow.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.TrackingNumber) == "" {
		return fmt.Errorf("%w: tracking number required", escrow.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Carrier) == "" {
		return fmt.Errorf("%w: carrier required", escrow.ErrInvalidRequest)
	}
	return nil
}

// ConfirmDeliveryRequest releases escrowed funds to the supplier.
// ActorCompanyID is optional and only recorded on the timeline.
type ConfirmDeliveryRequest struct {
	DealID         string
	ActorCompanyID string
}

func (r ConfirmDeliveryRequest) Validate() error {
	if strings.TrimSpace(r.DealID) == "" {
		return fmt.Errorf("%w: deal id required", escrow.ErrInvalidRequest)
	}
	return nil
}

// OpenDisputeRequest moves a paid or shipped deal into arbitration. The
// initiator becomes the claimant and must be a party to the deal.
type OpenDisputeRequest struct {
	DealID             string
	InitiatorCompanyID string
	Reason             string
	Demands            string
}

func (r OpenDisputeRequest) Validate() error {
	if strings.TrimSpace(r.DealID) == "" {
		return fmt.Errorf("%w: deal id required", escrow.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.InitiatorCompanyID) == "" {
		return fmt.Errorf("%w: initiator company id required", escrow.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: reason required", escrow.ErrInvalidRequest)
	}
	return nil
}

type CancelRequest struct {
	DealID         string
	ActorCompanyID string
}

func (r CancelRequest) Validate() error {
	if strings.TrimSpace(r.DealID) == "" {
		return fmt.Errorf("%w: deal id required", escrow.ErrInvalidRequest)
	}
	return nil
}
