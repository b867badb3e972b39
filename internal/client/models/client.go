package models

import "time"

// Client is a customer of the business.
type Client struct {
	Identity

	FirstName string
	LastName  string
	Phone     string

	// VisitCount is incremented in the same transaction that records a visit.
	VisitCount  int
	LastVisitAt *time.Time

	// Synced is true once the server acknowledged the latest local state.
	Synced bool
	// LocallyCreated is true until the server acknowledges the create.
	LocallyCreated bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName joins first and last name.
func (c Client) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
