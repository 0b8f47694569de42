package tilepack

import "context"

type JobGenerator interface {
	CreateWorker() (func(ctx context.Context, id int, jobs <-chan *TileRequest, results chan<- *TileResponse), error)
	CreateJobs(ctx context.Context, jobs chan<- *TileRequest) error
}
