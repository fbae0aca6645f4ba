// Package storage is the relational store for scrim records.
//
// The bot only reads scrims; team and slot tables belong to the command side
// and are not modelled here. UpsertScrim exists for operators and tests.
package storage
