package tilepack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
)

type TileData struct {
	Tile TileCoordinate
	Data *[]byte
}

type MbtilesReader interface {
	TileSource
	Close() error
	GetTile(ctx context.Context, tile TileCoordinate) (*TileData, error)
	Metadata() (*MbtilesMetadata, error)
	Extent(ctx context.Context) (Scale, TileRange, error)
}

var ErrEmptyArchive = errors.New("archive has no tiles")

func NewMbtilesReader(dsn string) (MbtilesReader, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return NewMbtilesReaderWithDatabase(db)
}

func NewMbtilesReaderWithDatabase(db *sql.DB) (MbtilesReader, error) {
	return &mbtilesReader{db: db}, nil
}

type mbtilesReader struct {
	db *sql.DB
}

// Close gracefully tears down the mbtiles connection.
func (o *mbtilesReader) Close() error {
	var err error

	if o.db != nil {
		if err2 := o.db.Close(); err2 != nil {
			err = err2
		}
	}

	return err
}

// GetTile returns data for the given tile. Data is nil when the archive doesn't have it.
func (o *mbtilesReader) GetTile(ctx context.Context, tile TileCoordinate) (*TileData, error) {
	var data []byte

	result := o.db.QueryRowContext(ctx, "SELECT tile_data FROM tiles WHERE tile_column=? AND tile_row=? LIMIT 1", tile.X, tile.Z)
	err := result.Scan(&data)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			blankTile := &TileData{Tile: tile, Data: nil}
			return blankTile, nil
		}
		return nil, err
	}

	tileData := &TileData{
		Tile: tile,
		Data: &data,
	}

	return tileData, nil
}

// Metadata reads the metadata table.
func (o *mbtilesReader) Metadata() (*MbtilesMetadata, error) {
	rows, err := o.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		values[name] = value
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return NewMbtilesMetadata(values), nil
}

// VisitAllTiles runs the given function on all tiles in this mbtiles archive and stops
// at the first error it returns.
func (o *mbtilesReader) VisitAllTiles(ctx context.Context, visitor TileVisitorFunc) error {
	rows, err := o.db.QueryContext(ctx, "SELECT tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return err
	}
	defer rows.Close()

	var x, z int
	for rows.Next() {
		data := []byte{}
		if err := rows.Scan(&x, &z, &data); err != nil {
			return err
		}

		if err := visitor(TileCoordinate{X: x, Z: z}, data); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Extent returns the scale of the archived tiles and the smallest range holding all of them.
func (o *mbtilesReader) Extent(ctx context.Context) (Scale, TileRange, error) {
	var minZoom, maxZoom, minX, maxX, minZ, maxZ sql.NullInt64

	row := o.db.QueryRowContext(ctx, `SELECT MIN(zoom_level), MAX(zoom_level), MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row) FROM map`)
	if err := row.Scan(&minZoom, &maxZoom, &minX, &maxX, &minZ, &maxZ); err != nil {
		return ScaleBiggest, TileRange{}, err
	}

	if !minZoom.Valid {
		return ScaleBiggest, TileRange{}, ErrEmptyArchive
	}

	if minZoom.Int64 != maxZoom.Int64 {
		return ScaleBiggest, TileRange{}, fmt.Errorf("archive mixes zoom levels %d to %d", minZoom.Int64, maxZoom.Int64)
	}

	scale := Scale(minZoom.Int64)
	if scale < ScaleBiggest || scale > ScaleSmallest {
		return ScaleBiggest, TileRange{}, fmt.Errorf("archive zoom level %d is not a known scale", minZoom.Int64)
	}

	r := TileRange{
		MinX: int(minX.Int64),
		MaxX: int(maxX.Int64),
		MinZ: int(minZ.Int64),
		MaxZ: int(maxZ.Int64),
		Step: scale.Step(),
	}

	return scale, r, nil
}
