package engine

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mongoferry/mongoferry/internal/models"
)

const (
	DefaultDumpBin    = "mongodump"
	DefaultRestoreBin = "mongorestore"
)

// Client builds the dump and restore tool invocations and executes them
// through a Runner. The tools are a black box: one produces an archive
// directory from a source database, the other consumes it into a target.
type Client struct {
	runner     Runner
	dumpBin    string
	restoreBin string
}

func NewClient(runner Runner, dumpBin, restoreBin string) *Client {
	if dumpBin == "" {
		dumpBin = DefaultDumpBin
	}
	if restoreBin == "" {
		restoreBin = DefaultRestoreBin
	}
	return &Client{runner: runner, dumpBin: dumpBin, restoreBin: restoreBin}
}

// Dump archives one database under outDir/<db>. Lines stream to emit tagged
// as export output.
func (c *Client) Dump(ctx context.Context, uri, db, outDir string, emit LineFunc) (Result, error) {
	spec := Spec{
		Command: c.dumpBin,
		Args:    []string{"--uri", uri, "--db", db, "--out", outDir},
		Source:  models.LogSourceExport,
	}
	return c.runner.Run(ctx, spec, emit)
}

// Restore loads a dumped database into the target database db. archiveDir is
// the directory Dump wrote to and sourceDB names the subdirectory holding
// the archive. With drop set, existing target collections are replaced
// instead of merged into. Lines stream to emit tagged as import output.
func (c *Client) Restore(ctx context.Context, uri, db, archiveDir, sourceDB string, drop bool, emit LineFunc) (Result, error) {
	args := []string{"--uri", uri, "--db", db}
	if drop {
		args = append(args, "--drop")
	}
	args = append(args, filepath.Join(archiveDir, sourceDB))
	spec := Spec{
		Command: c.restoreBin,
		Args:    args,
		Source:  models.LogSourceImport,
	}
	return c.runner.Run(ctx, spec, emit)
}

// CheckTools verifies both tool binaries are resolvable on PATH. Only
// meaningful for the local backend; a tools image carries its own binaries.
func (c *Client) CheckTools() error {
	for _, bin := range []string{c.dumpBin, c.restoreBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return errors.Wrapf(err, "%s not found", bin)
		}
	}
	return nil
}
