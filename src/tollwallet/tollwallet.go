package tollwallet

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/elnosh/gonuts/cashu"
)

// TollWallet wraps a cdk-cli wallet directory. The wallet CLI handles all
// mint communication and proof management; we only drive it and parse its
// output, then sanity-check generated tokens with gonuts before they leave
// the rig.
type TollWallet struct {
	dir     string
	mintURL string
	cleanup bool
}

// New opens a wallet backed by the given directory.
func New(dir, mintURL string) *TollWallet {
	return &TollWallet{dir: dir, mintURL: mintURL}
}

// NewTemp creates a wallet in a fresh temporary directory. Close removes it.
func NewTemp(mintURL string) (*TollWallet, error) {
	dir, err := os.MkdirTemp("", "tollgate-wallet-")
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet directory: %w", err)
	}
	log.Printf("Created temporary wallet directory: %s", dir)
	return &TollWallet{dir: dir, mintURL: mintURL, cleanup: true}, nil
}

// Dir returns the wallet's working directory.
func (w *TollWallet) Dir() string {
	return w.dir
}

// Close removes the wallet directory if this wallet owns it.
func (w *TollWallet) Close() error {
	if !w.cleanup {
		return nil
	}
	log.Printf("Cleaning up wallet directory: %s", w.dir)
	return os.RemoveAll(w.dir)
}

// run invokes cdk-cli against this wallet's directory, optionally piping
// stdin, and returns combined stdout+stderr.
func (w *TollWallet) run(ctx context.Context, stdin string, args ...string) (string, error) {
	full := append([]string{"-w", w.dir}, args...)
	cmd := exec.CommandContext(ctx, "cdk-cli", full...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("cdk-cli %s failed: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Fund mints the given amount of sats into the wallet from its mint.
func (w *TollWallet) Fund(ctx context.Context, amount uint64) error {
	output, err := w.run(ctx, "", "mint", w.mintURL, fmt.Sprintf("%d", amount))
	if err != nil {
		return err
	}
	log.Printf("Minted %d sats from %s: %s", amount, w.mintURL, strings.TrimSpace(output))
	return nil
}

// Balance returns the wallet's balance output. The CLI prints an amount
// followed by "sat", so callers just check the substring.
func (w *TollWallet) Balance(ctx context.Context) (string, error) {
	output, err := w.run(ctx, "", "balance")
	if err != nil {
		return "", err
	}
	if !strings.Contains(output, "sat") {
		return output, fmt.Errorf("unexpected balance output: %s", strings.TrimSpace(output))
	}
	return strings.TrimSpace(output), nil
}

// Send generates a cashu token worth the given amount. The CLI reads the
// amount from stdin and prints the token as the last cashu-prefixed line.
func (w *TollWallet) Send(ctx context.Context, amount uint64) (string, error) {
	output, err := w.run(ctx, fmt.Sprintf("%d\n", amount), "send", "--mint-url", w.mintURL)
	if err != nil {
		return "", err
	}
	token, err := ExtractToken(output)
	if err != nil {
		return "", err
	}
	if _, err := ParseToken(token); err != nil {
		return "", fmt.Errorf("cdk-cli produced an undecodable token: %w", err)
	}
	return token, nil
}

// Receive redeems a token into the wallet.
func (w *TollWallet) Receive(ctx context.Context, token string) error {
	output, err := w.run(ctx, "", "receive", token)
	if err != nil {
		return err
	}
	if !strings.Contains(output, "Received") {
		return fmt.Errorf("unexpected receive output: %s", strings.TrimSpace(output))
	}
	return nil
}

// MintInfo fetches the mint's advertised info document.
func (w *TollWallet) MintInfo(ctx context.Context) (string, error) {
	return w.run(ctx, "", "mint-info", w.mintURL)
}

// ExtractToken finds the token in cdk-cli send output. The token is the
// last line that starts with "cashu"; the CLI prints progress lines first.
func ExtractToken(output string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "cashu") {
			return line, nil
		}
	}
	return "", fmt.Errorf("token not found in send output: %s", strings.TrimSpace(output))
}

// ParseToken decodes a cashu token string.
func ParseToken(token string) (cashu.Token, error) {
	return cashu.DecodeToken(token)
}

// ValidateToken checks that a token decodes, carries the expected amount and
// comes from the expected mint.
func ValidateToken(token string, amount uint64, mintURL string) error {
	decoded, err := cashu.DecodeToken(token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if decoded.Amount() < amount {
		return fmt.Errorf("token worth %d sats, need %d", decoded.Amount(), amount)
	}
	if mintURL != "" && decoded.Mint() != mintURL {
		return fmt.Errorf("token minted by %s, expected %s", decoded.Mint(), mintURL)
	}
	return nil
}
