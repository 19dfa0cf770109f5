package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/speedyibbi/runestone/crypto"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/remote"
	"github.com/speedyibbi/runestone/session"
	"github.com/speedyibbi/runestone/syncer"
	"github.com/speedyibbi/runestone/tier"
	"github.com/speedyibbi/runestone/vault"
)

// open unlocks the account session with the CLI passphrase.
func (a *app) open() (*session.Session, error) {
	sess, err := a.vault.Open(a.ctx, a.cli.Account, a.passphrase)
	if err != nil {
		return nil, fmt.Errorf("opening account: %w", err)
	}
	return sess, nil
}

// remoteStore builds the relay-backed tier for the session. The relay
// lookup value is derived from the master key, so it can only exist
// after the account is open.
func (a *app) remoteStore(sess *session.Session) (tier.Store, error) {
	if a.cli.RelayURL == "" {
		return nil, errors.New("no relay configured: set --relay-url or RUNESTONE_RELAY_URL")
	}
	mek, err := sess.MEK()
	if err != nil {
		return nil, err
	}
	token, err := crypto.DeriveLookupValue(mek, sess.AccountID())
	if err != nil {
		return nil, err
	}
	relay := remote.NewRelay(a.cli.RelayURL, token, remote.WithLogger(a.logger))
	store := remote.NewStore(relay, remote.WithStoreLogger(a.logger))
	return tier.NewInstrumented(store, "remote"), nil
}

type initCmd struct{}

func (c *initCmd) Run(a *app) error {
	sess, err := a.vault.CreateAccount(a.ctx, a.cli.Account, a.passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()
	fmt.Printf("account %q initialized in %s\n", a.cli.Account, a.cli.DataDir)
	return nil
}

type notebookCmd struct {
	Create notebookCreateCmd `cmd:"" help:"Create a notebook."`
	List   notebookListCmd   `cmd:"" help:"List notebooks."`
	Rename notebookRenameCmd `cmd:"" help:"Rename a notebook."`
	Delete notebookDeleteCmd `cmd:"" help:"Delete a notebook and its local data."`
}

type notebookCreateCmd struct {
	Title              string `arg:"" help:"Notebook title."`
	NotebookPassphrase string `help:"Passphrase protecting the notebook key." env:"RUNESTONE_NOTEBOOK_PASSPHRASE" required:""`
}

func (c *notebookCreateCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	id, err := a.vault.CreateNotebook(a.ctx, sess, []byte(c.NotebookPassphrase), c.Title)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

type notebookListCmd struct {
	Remote bool `help:"Enumerate notebooks on the remote relay instead of the local map."`
}

func (c *notebookListCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.Remote {
		remoteStore, err := a.remoteStore(sess)
		if err != nil {
			return err
		}
		ids, err := vault.New(a.engine, a.local, vault.WithRemote(remoteStore), vault.WithLogger(a.logger)).RemoteNotebookIDs(a.ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	entries, err := a.vault.Notebooks(a.ctx, sess)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.UUID, e.Title)
	}
	return nil
}

type notebookRenameCmd struct {
	ID                 string `arg:"" help:"Notebook id."`
	Title              string `arg:"" help:"New title."`
	NotebookPassphrase string `help:"Passphrase protecting the notebook key." env:"RUNESTONE_NOTEBOOK_PASSPHRASE" required:""`
}

func (c *notebookRenameCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := a.vault.OpenNotebook(a.ctx, sess, c.ID, []byte(c.NotebookPassphrase)); err != nil {
		return err
	}
	return a.vault.RenameNotebook(a.ctx, sess, c.ID, c.Title)
}

type notebookDeleteCmd struct {
	ID string `arg:"" help:"Notebook id."`
}

func (c *notebookDeleteCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()
	return a.vault.DeleteNotebook(a.ctx, sess, c.ID)
}

type noteCmd struct {
	Put notePutCmd `cmd:"" help:"Write a note from a file or stdin."`
	Get noteGetCmd `cmd:"" help:"Print a note to stdout."`
	Rm  noteRmCmd  `cmd:"" help:"Delete a note."`
}

type notePutCmd struct {
	Notebook           string `arg:"" help:"Notebook id."`
	Title              string `arg:"" help:"Note title."`
	File               string `help:"Read content from this file instead of stdin." type:"existingfile"`
	Entry              string `help:"Existing entry id to update."`
	NotebookPassphrase string `help:"Passphrase protecting the notebook key." env:"RUNESTONE_NOTEBOOK_PASSPHRASE" required:""`
}

func (c *notePutCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := a.vault.OpenNotebook(a.ctx, sess, c.Notebook, []byte(c.NotebookPassphrase)); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if c.File != "" {
		f, err := os.Open(c.File)
		if err != nil {
			return fmt.Errorf("opening content file: %w", err)
		}
		defer f.Close()
		r = f
	}

	id, err := a.vault.WriteEntryFrom(a.ctx, sess, c.Notebook, c.Entry, model.EntryTypeNote, c.Title, r)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

type noteGetCmd struct {
	Notebook           string `arg:"" help:"Notebook id."`
	Entry              string `arg:"" help:"Entry id."`
	NotebookPassphrase string `help:"Passphrase protecting the notebook key." env:"RUNESTONE_NOTEBOOK_PASSPHRASE" required:""`
}

func (c *noteGetCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := a.vault.OpenNotebook(a.ctx, sess, c.Notebook, []byte(c.NotebookPassphrase)); err != nil {
		return err
	}
	content, _, err := a.vault.ReadEntry(a.ctx, sess, c.Notebook, c.Entry)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(content)
	return err
}

type noteRmCmd struct {
	Notebook           string `arg:"" help:"Notebook id."`
	Entry              string `arg:"" help:"Entry id."`
	NotebookPassphrase string `help:"Passphrase protecting the notebook key." env:"RUNESTONE_NOTEBOOK_PASSPHRASE" required:""`
}

func (c *noteRmCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := a.vault.OpenNotebook(a.ctx, sess, c.Notebook, []byte(c.NotebookPassphrase)); err != nil {
		return err
	}
	return a.vault.DeleteEntry(a.ctx, sess, c.Notebook, c.Entry)
}

type syncCmd struct {
	Notebook           string `help:"Sync only this notebook (plus the root records)."`
	NotebookPassphrase string `help:"Passphrase protecting the notebook key." env:"RUNESTONE_NOTEBOOK_PASSPHRASE"`
	MetricsAddr        string `help:"Serve Prometheus metrics on this address while syncing."`
}

func (c *syncCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	remoteStore, err := a.remoteStore(sess)
	if err != nil {
		return err
	}
	s := syncer.New(a.engine, tier.NewInstrumented(a.local, "local"), remoteStore,
		syncer.WithLogger(a.logger))

	if c.MetricsAddr != "" {
		srv := &http.Server{Addr: c.MetricsAddr, Handler: a.metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	progress := func(p syncer.Progress) {
		a.logger.Debug("sync progress", "phase", string(p.Phase), "current", p.Current, "total", p.Total)
	}

	rootRes, err := s.SyncRoot(a.ctx, sess, progress)
	if err != nil {
		return fmt.Errorf("root sync: %w", err)
	}
	printResult("root", rootRes)

	if c.Notebook == "" {
		return nil
	}
	if c.NotebookPassphrase == "" {
		return errors.New("--notebook-passphrase is required to sync a notebook")
	}
	if err := a.vault.OpenNotebook(a.ctx, sess, c.Notebook, []byte(c.NotebookPassphrase)); err != nil {
		return err
	}

	res, err := s.SyncNotebook(a.ctx, sess, c.Notebook, progress)
	if err != nil {
		return fmt.Errorf("notebook sync: %w", err)
	}
	printResult(c.Notebook, res)
	if !res.Success {
		return errors.New("sync finished with errors")
	}
	return nil
}

func printResult(name string, res syncer.Result) {
	fmt.Printf("%s: downloaded=%d uploaded=%d deleted_remote=%d deleted_local=%d conflicts=%d errors=%d duration=%s\n",
		name, res.Downloaded, res.Uploaded, res.DeletedRemotely, res.DeletedLocally,
		res.Conflicts, len(res.Errors), res.Duration.Round(time.Millisecond))
	for _, msg := range res.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
}

type rekeyCmd struct {
	Notebook           string `help:"Rekey this notebook instead of the account."`
	NotebookPassphrase string `help:"Current notebook passphrase." env:"RUNESTONE_NOTEBOOK_PASSPHRASE"`
	NewPassphrase      string `help:"New passphrase." required:""`
}

func (c *rekeyCmd) Run(a *app) error {
	sess, err := a.open()
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.Notebook == "" {
		if err := a.vault.ChangePassphrase(a.ctx, sess, []byte(c.NewPassphrase)); err != nil {
			return err
		}
		fmt.Println("account passphrase changed")
		return nil
	}

	if c.NotebookPassphrase == "" {
		return errors.New("--notebook-passphrase is required to rekey a notebook")
	}
	if err := a.vault.OpenNotebook(a.ctx, sess, c.Notebook, []byte(c.NotebookPassphrase)); err != nil {
		return err
	}
	if err := a.vault.RekeyNotebook(a.ctx, sess, c.Notebook, []byte(c.NewPassphrase)); err != nil {
		return err
	}
	fmt.Printf("notebook %s passphrase changed\n", c.Notebook)
	return nil
}
