package domain

import "time"

// Partner is a read-only reference entity replicated by snapshot.
type Partner struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Partner) TableName() string  { return "partners" }
func (Partner) EntityType() string { return "partner" }

// Product is a read-only reference entity replicated by snapshot.
type Product struct {
	ID        string
	Name      string
	SKU       string
	Price     float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Product) TableName() string  { return "products" }
func (Product) EntityType() string { return "product" }

// Unit is a read-only measurement unit (each, case, kg, ...).
type Unit struct {
	ID           string
	Name         string
	Abbreviation string
}

func (Unit) TableName() string  { return "units" }
func (Unit) EntityType() string { return "unit" }
