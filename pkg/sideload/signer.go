package sideload

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/apex/log"
)

// DefaultSignerPath is the zsign binary looked up on PATH
const DefaultSignerPath = "zsign"

// ExecSigner signs a bundle in place with an external zsign binary
type ExecSigner struct {
	Path string
}

// Sign runs `zsign -k key -c cert -m profile <dir>`, logging its output
func (s *ExecSigner) Sign(ctx context.Context, bundleDir, certPath, keyPath, profilePath string) error {
	bin := s.Path
	if bin == "" {
		bin = DefaultSignerPath
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("signer %s not found: %w", bin, err)
	}

	cmd := exec.CommandContext(ctx, bin, "-k", keyPath, "-c", certPath, "-m", profilePath, bundleDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	log.WithField("cmd", strings.Join(cmd.Args, " ")).Debug("Running signer")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", bin, err)
	}

	var wg sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := bufio.NewScanner(r)
			for sc.Scan() {
				log.WithField("signer", bin).Info(sc.Text())
			}
		}()
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("app signing failed: %w", err)
	}
	return nil
}
