// Package models contains GORM persistence models for the reconciliation
// aggregate. Domain types carry no ORM tags; the models here own the table
// mapping and convert to and from the domain with ToDomain/FromDomain.
package models
