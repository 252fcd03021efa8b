package database

import (
	"context"
	"fmt"
)

// CreateSchema creates all repository tables if they do not exist. Order
// matters: referenced tables first.
func (d *DB) CreateSchema(ctx context.Context) error {
	models := []any{
		(*Distribution)(nil),
		(*Architecture)(nil),
		(*DistributionArchitecture)(nil),
		(*Section)(nil),
		(*Package)(nil),
		(*PackageInstance)(nil),
		(*Action)(nil),
	}

	for _, model := range models {
		_, err := d.db.NewCreateTable().
			Model(model).
			IfNotExists().
			WithForeignKeys().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error creating the table for %T: %w", model, err)
		}
	}

	return nil
}
