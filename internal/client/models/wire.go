package models

import (
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// Wire converts c to its wire representation.
func (c Client) Wire() syncapi.Client {
	return syncapi.Client{
		ID:          c.RemoteID,
		Tag:         c.Tag,
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Phone:       c.Phone,
		VisitCount:  c.VisitCount,
		LastVisitAt: c.LastVisitAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// Ref returns the reference dependents use to point at c.
func (i Identity) Ref() syncapi.Ref {
	return syncapi.Ref{Tag: i.Tag, RemoteID: i.RemoteID}
}

// Wire converts v to its wire representation. client references the parent.
func (v Visit) Wire(client syncapi.Ref) syncapi.Visit {
	lines := make([]syncapi.ServiceLine, len(v.Lines))
	for i, l := range v.Lines {
		lines[i] = syncapi.ServiceLine{
			OfferingID: l.OfferingRemoteID,
			Label:      l.Label,
			Quantity:   l.Quantity,
			UnitPrice:  l.UnitPrice,
		}
	}
	return syncapi.Visit{
		ID:        v.RemoteID,
		Tag:       v.Tag,
		Client:    client,
		Lines:     lines,
		Free:      v.Free,
		Total:     v.Total,
		VisitedAt: v.VisitedAt,
		UpdatedAt: v.UpdatedAt,
	}
}

// Wire converts p to its wire representation. visit references the parent.
func (p Payment) Wire(visit syncapi.Ref) syncapi.Payment {
	return syncapi.Payment{
		ID:            p.RemoteID,
		Tag:           p.Tag,
		Visit:         visit,
		Amount:        p.Amount,
		Method:        string(p.Method),
		ReceiptNumber: p.ReceiptNumber,
		Cancelled:     p.Cancelled,
		UpdatedAt:     p.UpdatedAt,
	}
}

// ClientFromWire builds a synced client from a server record.
func ClientFromWire(w syncapi.Client) Client {
	return Client{
		Identity:    Identity{Tag: w.Tag, RemoteID: w.ID},
		FirstName:   w.FirstName,
		LastName:    w.LastName,
		Phone:       w.Phone,
		VisitCount:  w.VisitCount,
		LastVisitAt: w.LastVisitAt,
		Synced:      true,
		CreatedAt:   w.UpdatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func OfferingFromWire(w syncapi.ServiceOffering) ServiceOffering {
	return ServiceOffering{
		RemoteID:  w.ID,
		Label:     w.Label,
		Price:     w.Price,
		Active:    w.Active,
		UpdatedAt: w.UpdatedAt,
	}
}

// VisitFromWire builds a synced visit attached to the local client clientID.
func VisitFromWire(w syncapi.Visit, clientID int64) Visit {
	lines := make([]ServiceLine, len(w.Lines))
	for i, l := range w.Lines {
		lines[i] = ServiceLine{
			OfferingRemoteID: l.OfferingID,
			Label:            l.Label,
			Quantity:         l.Quantity,
			UnitPrice:        l.UnitPrice,
		}
	}
	return Visit{
		Identity:       Identity{Tag: w.Tag, RemoteID: w.ID},
		ClientID:       clientID,
		ClientRemoteID: w.Client.RemoteID,
		Lines:          lines,
		Free:           w.Free,
		Total:          w.Total,
		VisitedAt:      w.VisitedAt,
		Synced:         true,
		CreatedAt:      w.UpdatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

// PaymentFromWire builds a synced payment attached to the local visit visitID.
func PaymentFromWire(w syncapi.Payment, visitID int64) Payment {
	return Payment{
		Identity:      Identity{Tag: w.Tag, RemoteID: w.ID},
		VisitID:       visitID,
		VisitRemoteID: w.Visit.RemoteID,
		Amount:        w.Amount,
		Method:        PaymentMethod(w.Method),
		ReceiptNumber: w.ReceiptNumber,
		Cancelled:     w.Cancelled,
		Synced:        true,
		CreatedAt:     w.UpdatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}
