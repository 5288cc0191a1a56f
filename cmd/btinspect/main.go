// Command btinspect inspects and edits btcore database files.
package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"btcore"
	"btcore/logger"
)

// Globals holds flags shared by every command.
type Globals struct {
	Verbose   bool `short:"v" help:"Log engine events to stderr"`
	CacheSize int  `name:"cache-size" default:"2000" help:"Page cache size in pages"`
}

// CLI defines the command-line interface for btinspect.
type CLI struct {
	Globals

	Info InfoCmd `cmd:"" help:"Show page count, freelist, tables and meta values"`
	Dump DumpCmd `cmd:"" help:"Print every row of a table in key order"`
	Put  PutCmd  `cmd:"" help:"Write one row in its own transaction"`
}

func (g *Globals) open(path string, readOnly bool) (*btcore.Btree, error) {
	opts := []btcore.Option{btcore.WithCacheSize(g.CacheSize)}
	if g.Verbose {
		zl, err := zap.NewDevelopment()
		if err != nil {
			return nil, errors.Wrap(err, "create logger")
		}
		opts = append(opts, btcore.WithLogger(logger.NewZap(zl)))
	}
	if readOnly {
		opts = append(opts, btcore.WithReadOnly())
	}
	return btcore.NewRegistry().Open(path, opts...)
}

// InfoCmd prints the database header.
type InfoCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *InfoCmd) Run(ctx *kong.Context, g *Globals) error {
	db, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	defer db.Close()

	w := ctx.Stdout
	fmt.Fprintf(w, "pages:    %d\n", db.PageCount())
	fmt.Fprintf(w, "freelist: %d\n", db.FreelistCount())
	fmt.Fprintf(w, "tables:   %v\n", db.Tables())
	for i := range btcore.NumMeta {
		fmt.Fprintf(w, "meta[%d]:  %d\n", i, db.GetMeta(i))
	}
	return nil
}

// DumpCmd prints the rows of one table.
type DumpCmd struct {
	Path  string `arg:"" help:"Database file" type:"existingfile"`
	Table uint32 `arg:"" help:"Table id"`
	Hex   bool   `help:"Print keys and values as hex"`
}

func (c *DumpCmd) Run(ctx *kong.Context, g *Globals) error {
	db, err := g.open(c.Path, true)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.BeginTrans(false); err != nil {
		return err
	}
	defer db.Rollback(nil, false)

	cur, err := db.OpenCursor(btcore.TableID(c.Table), false)
	if err != nil {
		return errors.Wrapf(err, "table %d", c.Table)
	}
	defer cur.Close()

	eof, err := cur.First()
	for err == nil && !eof {
		if err = c.print(ctx.Stdout, cur); err == nil {
			eof, err = cur.Next()
		}
	}
	return err
}

func (c *DumpCmd) print(w io.Writer, cur *btcore.BtCursor) error {
	k, err := cur.Key()
	if err != nil {
		return err
	}
	v, err := cur.Value()
	if err != nil {
		return err
	}
	if c.Hex {
		_, err = fmt.Fprintf(w, "%s\t%s\n", hex.EncodeToString(k), hex.EncodeToString(v))
	} else {
		_, err = fmt.Fprintf(w, "%q\t%q\n", k, v)
	}
	return err
}

// PutCmd writes one row.
type PutCmd struct {
	Path   string `arg:"" help:"Database file, created if missing" type:"path"`
	Table  uint32 `arg:"" help:"Table id"`
	Key    string `arg:"" help:"Key"`
	Value  string `arg:"" help:"Value"`
	Create bool   `help:"Create a new table when the table does not exist"`
}

func (c *PutCmd) Run(ctx *kong.Context, g *Globals) error {
	db, err := g.open(c.Path, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.BeginTrans(true); err != nil {
		return err
	}
	if err := c.put(ctx.Stdout, db); err != nil {
		return errors.CombineErrors(err, db.Rollback(nil, false))
	}
	return db.Commit()
}

func (c *PutCmd) put(w io.Writer, db *btcore.Btree) error {
	table := btcore.TableID(c.Table)
	cur, err := db.OpenCursor(table, true)
	if errors.Is(err, btcore.ErrTableNotFound) && c.Create {
		if table, err = db.CreateTable(); err != nil {
			return err
		}
		fmt.Fprintf(w, "created table %d\n", table)
		cur, err = db.OpenCursor(table, true)
	}
	if err != nil {
		return errors.Wrapf(err, "table %d", c.Table)
	}
	defer cur.Close()
	return cur.Insert([]byte(c.Key), []byte(c.Value))
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("btinspect"),
		kong.Description("Inspect and edit btcore database files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
