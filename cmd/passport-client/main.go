package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/ruteri/secure-values/cmd/flags"
	"github.com/ruteri/secure-values/interfaces"
	"github.com/ruteri/secure-values/kms"
	"github.com/ruteri/secure-values/passport"
	"github.com/urfave/cli/v2"
)

var flagBotID = &cli.Int64Flag{
	Name:  "bot-id",
	Usage: "id of the requesting party (required by every command that talks to the service)",
}

var flagPublicKeyFile = &cli.StringFlag{
	Name:  "public-key-file",
	Usage: "PEM public key of the requesting party; credentials are encrypted to it",
}

var flagScope = &cli.StringSliceFlag{
	Name:  "scope",
	Usage: "value types to request; the server default when empty",
}

var flagPayload = &cli.StringFlag{
	Name:  "payload",
	Usage: "nonce of the requesting party, random when empty",
}

var flagCallbackURL = &cli.StringFlag{
	Name:  "callback-url",
	Usage: "where the requesting party expects the user after submission",
}

var flagPassword = &cli.StringFlag{
	Name:    "password",
	Usage:   "account password; prompted for when empty",
	EnvVars: []string{"SECURE_VALUES_PASSWORD"},
}

var flagPreviews = &cli.StringFlag{
	Name:  "previews",
	Usage: "bbolt file caching decrypted previews of loaded files",
}

var flagPartSize = &cli.IntFlag{
	Name:  "part-size",
	Value: 0,
	Usage: "size of stored file parts in bytes; the transfer default when 0",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 10 * time.Minute,
	Usage: "give up on the whole command after this long",
}

var flagProfile = &cli.StringFlag{
	Name:     "profile",
	Required: true,
	Usage:    "TOML profile of values to write",
}

var flagExportDir = &cli.StringFlag{
	Name:  "export-dir",
	Usage: "download and decrypt every scan and selfie into this directory",
}

var flagParts = &cli.IntFlag{
	Name:  "parts",
	Value: 5,
	Usage: "number of recovery shares",
}

var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 3,
	Usage: "shares needed to recover the master secret",
}

var flagShares = &cli.StringSliceFlag{
	Name:     "share",
	Required: true,
	Usage:    "hex encoded recovery share; repeat for each",
}

func main() {
	app := &cli.App{
		Name:  "passport-client",
		Usage: "Fill, inspect and submit secure values",
		Flags: append([]cli.Flag{
			flags.ServerURLFlag,
			flags.StorageFlag,
			flagBotID,
			flagPublicKeyFile,
			flagScope,
			flagPayload,
			flagCallbackURL,
			flagPassword,
			flagPreviews,
			flagPartSize,
			flagTimeout,
		}, flags.LogFlags("passport-client")...),
		Commands: []*cli.Command{
			{
				Name:   "fill",
				Usage:  "write the values of a TOML profile",
				Flags:  []cli.Flag{flagProfile},
				Action: withSession(fill),
			},
			{
				Name:   "show",
				Usage:  "print the decrypted values of the form",
				Flags:  []cli.Flag{flagExportDir},
				Action: withSession(show),
			},
			{
				Name:   "submit",
				Usage:  "send the form to the requesting party",
				Action: withSession(submit),
			},
			{
				Name:   "recovery-shares",
				Usage:  "split the master secret into offline recovery shares",
				Flags:  []cli.Flag{flagParts, flagThreshold},
				Action: withSession(recoveryShares),
			},
			{
				Name:  "combine-shares",
				Usage: "check that recovery shares reconstruct a valid master secret",
				Flags: []cli.Flag{flagShares},
				// No session: combining is purely local.
				Action: combineShares,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withSession unlocks the form before running action.
func withSession(action func(cCtx *cli.Context, s *session) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, cCtx.Duration(flagTimeout.Name))
		defer cancel()

		s, err := openSession(ctx, cCtx, logger)
		if err != nil {
			logger.Error("Failed to start session", "err", err)
			return err
		}
		defer s.Close()
		defer func() { _ = s.do(func() error { s.c.Cancel(); return nil }) }()

		if err := s.unlock(cCtx.String(flagPassword.Name)); err != nil {
			logger.Error("Failed to unlock form", "err", err)
			return err
		}
		return action(cCtx, s)
	}
}

func fill(cCtx *cli.Context, s *session) error {
	profile, err := LoadProfile(cCtx.String(flagProfile.Name))
	if err != nil {
		return err
	}

	for _, t := range interfaces.AllValueTypes {
		p, ok := profile[t]
		if !ok {
			continue
		}
		if err := s.do(func() error { _, ok := s.c.Value(t); return valueErr(t, ok) }); err != nil {
			s.log.Warn("Skipping value the form does not request", slog.String("type", t.String()))
			continue
		}

		if err := fillValue(s, t, p); err != nil {
			return fmt.Errorf("failed to fill %s: %w", t, err)
		}
		fmt.Printf("%s: saved\n", t)
	}
	return nil
}

func valueErr(t interfaces.ValueType, ok bool) error {
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrNoValue, t)
	}
	return nil
}

func fillValue(s *session, t interfaces.ValueType, p ValueProfile) error {
	if p.Delete {
		if err := s.do(func() error { return s.c.DeleteEdit(t) }); err != nil {
			return err
		}
		return waitSaved(s, t)
	}

	scans := make([][]byte, 0, len(p.Scans))
	for _, path := range p.Scans {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("could not read scan: %w", err)
		}
		scans = append(scans, content)
	}
	var selfie []byte
	if p.Selfie != "" {
		content, err := os.ReadFile(p.Selfie)
		if err != nil {
			return fmt.Errorf("could not read selfie: %w", err)
		}
		selfie = content
	}

	err := s.do(func() error {
		if err := s.c.StartEdit(t); err != nil {
			return err
		}
		for _, content := range scans {
			if _, err := s.c.UploadScan(t, content); err != nil {
				return err
			}
		}
		if selfie != nil {
			if _, err := s.c.UploadSelfie(t, selfie); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(scans) > 0 || selfie != nil {
		if err := waitUploads(s, t); err != nil {
			return err
		}
	}

	if err := s.do(func() error { return s.c.SaveEdit(t, p.SaveFields(t)) }); err != nil {
		return err
	}
	return waitSaved(s, t)
}

func waitUploads(s *session, t interfaces.ValueType) error {
	return s.waitFor(func(ev passport.Event) (bool, error) {
		if ev.Kind != passport.EventFileUpdated || ev.Type != t {
			return false, nil
		}
		var settled, failed bool
		if err := s.do(func() error {
			v, _ := s.c.Value(t)
			settled, failed = v.UploadsSettled()
			return nil
		}); err != nil {
			return false, err
		}
		if failed {
			return false, fmt.Errorf("upload failed: %v", ev.Err)
		}
		return settled, nil
	})
}

// waitSaved follows a save to its end, asking for verification codes when
// the service wants the value verified first.
func waitSaved(s *session, t interfaces.ValueType) error {
	return s.waitFor(func(ev passport.Event) (bool, error) {
		if ev.Type != t {
			return false, nil
		}
		switch ev.Kind {
		case passport.EventSaveFinished:
			return true, nil
		case passport.EventValueError:
			return false, errors.New(ev.Message)
		case passport.EventVerificationNeeded:
			return false, askCode(s, t, "")
		case passport.EventVerificationUpdated:
			if ev.Err != nil {
				return false, askCode(s, t, ev.Message)
			}
		}
		return false, nil
	})
}

func askCode(s *session, t interfaces.ValueType, problem string) error {
	if problem != "" {
		fmt.Fprintln(os.Stderr, problem)
	}
	for {
		var target string
		if err := s.do(func() error {
			v, _ := s.c.Value(t)
			target = v.Verification.Target
			return nil
		}); err != nil {
			return err
		}

		code, err := s.prompt(fmt.Sprintf("Code sent to %s: ", target))
		if err != nil {
			return err
		}
		err = s.do(func() error { return s.c.VerifyCode(t, code) })
		if errors.Is(err, interfaces.ErrWrongCode) {
			fmt.Fprintln(os.Stderr, passport.MessageWrongCode)
			continue
		}
		return err
	}
}

func show(cCtx *cli.Context, s *session) error {
	exportDir := cCtx.String(flagExportDir.Name)
	if exportDir != "" {
		if err := os.MkdirAll(exportDir, 0o700); err != nil {
			return fmt.Errorf("could not create export directory: %w", err)
		}
	}

	var types []interfaces.ValueType
	if err := s.do(func() error {
		for t := range s.c.Form().Values {
			types = append(types, t)
		}
		return nil
	}); err != nil {
		return err
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		var fields map[string]string
		var files []passport.File
		var selfie *passport.File
		var problem string
		if err := s.do(func() error {
			v, _ := s.c.Value(t)
			fields = v.Fields()
			files = append(files, v.Files...)
			selfie = v.Selfie
			problem = v.Error
			return nil
		}); err != nil {
			return err
		}

		fmt.Printf("%s:\n", t)
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("  %s = %q\n", key, fields[key])
		}
		for _, f := range files {
			fmt.Printf("  scan %d (%d bytes)\n", f.ID, f.Size)
		}
		if selfie != nil {
			fmt.Printf("  selfie %d (%d bytes)\n", selfie.ID, selfie.Size)
		}
		if problem != "" {
			fmt.Printf("  error: %s\n", problem)
		}

		if exportDir == "" {
			continue
		}
		for _, f := range files {
			if err := exportFile(s, t, f.ID, false, filepath.Join(exportDir, fmt.Sprintf("%s-%d", t, f.ID))); err != nil {
				return err
			}
		}
		if selfie != nil {
			if err := exportFile(s, t, selfie.ID, true, filepath.Join(exportDir, fmt.Sprintf("%s-selfie", t))); err != nil {
				return err
			}
		}
	}
	return nil
}

// exportFile loads one file through the controller and writes its
// plaintext to path.
func exportFile(s *session, t interfaces.ValueType, fileID uint64, isSelfie bool, path string) error {
	lookup := func() *passport.File {
		v, _ := s.c.Value(t)
		if isSelfie {
			return v.Selfie
		}
		for i := range v.Files {
			if v.Files[i].ID == fileID {
				return &v.Files[i]
			}
		}
		return nil
	}

	var image []byte
	var failed bool
	check := func() error {
		f := lookup()
		if f == nil {
			return fmt.Errorf("%w: %d", interfaces.ErrNoSuchFile, fileID)
		}
		if f.Loaded() {
			image = append([]byte(nil), f.Image...)
		}
		failed = f.DownloadOffset < 0
		return nil
	}

	err := s.do(func() error {
		if isSelfie {
			if err := s.c.LoadSelfie(t); err != nil {
				return err
			}
		} else if err := s.c.LoadScan(t, fileID); err != nil {
			return err
		}
		return check()
	})
	if err != nil {
		return err
	}

	if image == nil && !failed {
		err = s.waitFor(func(ev passport.Event) (bool, error) {
			if ev.Kind != passport.EventFileUpdated || ev.Type != t || ev.FileID != fileID {
				return false, nil
			}
			if err := s.do(check); err != nil {
				return false, err
			}
			return image != nil || failed, nil
		})
		if err != nil {
			return err
		}
	}
	if failed {
		return fmt.Errorf("could not load file %d of %s", fileID, t)
	}

	if err := os.WriteFile(path, image, 0o600); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	fmt.Printf("  exported %s\n", path)
	return nil
}

func submit(cCtx *cli.Context, s *session) error {
	var readiness []passport.ScopeReadiness
	var sent bool
	if err := s.do(func() error {
		readiness = s.c.CheckReadiness()
		sent = s.c.Submit()
		return nil
	}); err != nil {
		return err
	}

	for _, r := range readiness {
		status := "ready"
		if !r.Ready {
			status = "incomplete"
		}
		if r.Document != interfaces.ValueTypeUnknown {
			fmt.Printf("%s + %s: %s\n", r.Fields, r.Document, status)
		} else {
			fmt.Printf("%s: %s\n", r.Fields, status)
		}
	}

	return s.waitFor(func(ev passport.Event) (bool, error) {
		switch ev.Kind {
		case passport.EventValueError:
			fmt.Printf("%s: %s\n", ev.Type, ev.Message)
		case passport.EventSubmitted:
			fmt.Println("submitted")
			if ev.CallbackURL != "" {
				fmt.Println(ev.CallbackURL)
			}
			return true, nil
		case passport.EventSubmitFailed:
			if !sent || ev.Message == "" {
				return false, fmt.Errorf("form not ready: %w", ev.Err)
			}
			return false, errors.New(ev.Message)
		}
		return false, nil
	})
}

func recoveryShares(cCtx *cli.Context, s *session) error {
	var secret kms.MasterSecret
	if err := s.do(func() error {
		held, ok := s.c.Secret()
		if !ok {
			return interfaces.ErrSecretNotReady
		}
		secret = kms.MasterSecret{Bytes: append([]byte(nil), held.Bytes...), ID: held.ID}
		return nil
	}); err != nil {
		return err
	}
	defer clear(secret.Bytes)

	shares, err := kms.SplitRecoveryShares(secret, cCtx.Int(flagParts.Name), cCtx.Int(flagThreshold.Name))
	if err != nil {
		return err
	}
	fmt.Printf("secret id %d\n", secret.ID)
	for _, share := range shares {
		fmt.Println(hex.EncodeToString(share))
	}
	return nil
}

func combineShares(cCtx *cli.Context) error {
	var shares [][]byte
	for _, encoded := range cCtx.StringSlice(flagShares.Name) {
		share, err := hex.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("invalid share: %w", err)
		}
		shares = append(shares, share)
	}

	secret, err := kms.CombineRecoveryShares(shares)
	if err != nil {
		return err
	}
	defer clear(secret.Bytes)
	fmt.Printf("secret id %d\n", secret.ID)
	return nil
}
