package tilepack

import (
	"context"
	"errors"
)

type TileOutputter interface {
	CreateTiles() error
	Save(ctx context.Context, tile TileCoordinate, data []byte) error
	Close() error
}

// NewMultiOutputter saves every tile to each of the given outputters in order.
func NewMultiOutputter(outputters ...TileOutputter) TileOutputter {
	return &multiOutputter{outputters: outputters}
}

type multiOutputter struct {
	outputters []TileOutputter
}

func (m *multiOutputter) CreateTiles() error {
	for _, o := range m.outputters {
		if err := o.CreateTiles(); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiOutputter) Save(ctx context.Context, tile TileCoordinate, data []byte) error {
	for _, o := range m.outputters {
		if err := o.Save(ctx, tile, data); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiOutputter) Close() error {
	var errs []error
	for _, o := range m.outputters {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
