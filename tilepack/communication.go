package tilepack

type TileRequest struct {
	Tile TileCoordinate
	URL  string
}

// TileResponse carries either the fetched bytes or the error that ended the fetch.
type TileResponse struct {
	Tile     TileCoordinate
	Data     []byte
	Elapsed  float64
	Attempts int
	Err      error
}
