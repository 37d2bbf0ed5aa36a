package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/term"

	"chaintv/internal/logging"
	"chaintv/internal/price"
)

// PromptWallet asks for approval on a terminal before delegating to a
// KeypairWallet. It suspends until the owner answers or ctx is done.
type PromptWallet struct {
	inner       *KeypairWallet
	in          io.Reader
	out         io.Writer
	autoApprove bool
	interactive bool

	// One reader per wallet; a cancelled prompt must not keep a read
	// pending that would steal the next answer.
	readOnce sync.Once
	lines    chan string
	turn     chan struct{}
}

// NewPromptWallet wraps inner. Without a terminal on stdin every request is
// rejected unless autoApprove is set.
func NewPromptWallet(inner *KeypairWallet, autoApprove bool) *PromptWallet {
	return &PromptWallet{
		inner:       inner,
		in:          os.Stdin,
		out:         os.Stderr,
		autoApprove: autoApprove,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		lines:       make(chan string),
		turn:        make(chan struct{}, 1),
	}
}

func newPromptWalletIO(inner *KeypairWallet, in io.Reader, out io.Writer) *PromptWallet {
	return &PromptWallet{
		inner:       inner,
		in:          in,
		out:         out,
		interactive: true,
		lines:       make(chan string),
		turn:        make(chan struct{}, 1),
	}
}

// readLines feeds w.lines until the input ends, then closes it.
func (w *PromptWallet) readLines() {
	defer close(w.lines)
	r := bufio.NewReader(w.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			w.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// drain discards answers typed while no prompt was showing.
func (w *PromptWallet) drain() {
	for {
		select {
		case _, ok := <-w.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (w *PromptWallet) Address() string {
	return w.inner.Address()
}

func (w *PromptWallet) SignTransaction(ctx context.Context, req *SignRequest) (*solana.Transaction, error) {
	if w.autoApprove {
		return w.inner.SignTransaction(ctx, req)
	}
	if !w.interactive {
		logging.Wallet.Warn().Msg("no terminal to confirm the transfer; set wallet autoApprove to approve non-interactively")
		return nil, ErrUserRejected
	}

	// One prompt on the terminal at a time
	select {
	case w.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-w.turn }()

	w.drain()
	fmt.Fprintf(w.out, "Approve transfer of %s SOL (%d lamports) to %s", price.LamportsToSOL(req.Lamports), req.Lamports, req.Recipient)
	if req.Memo != "" {
		fmt.Fprintf(w.out, " for %s", req.Memo)
	}
	fmt.Fprint(w.out, "? [y/N] ")

	w.readOnce.Do(func() { go w.readLines() })

	select {
	case <-ctx.Done():
		fmt.Fprintln(w.out)
		return nil, ctx.Err()
	case line := <-w.lines:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return w.inner.SignTransaction(ctx, req)
		default:
			return nil, ErrUserRejected
		}
	}
}
