package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/term"
	"google.golang.org/grpc"

	"github.com/juancabe/sensor-proyect-sub000/internal/crypto/devicekey"
)

// Test seams for the terminal.
var (
	readPassword           = term.ReadPassword
	isTerminal             = term.IsTerminal
	stdin        io.Reader = os.Stdin
)

// readSecret prompts on stderr and reads a secret with echo disabled. When
// stdin is not a terminal one line is read from it instead, so secrets can
// be piped in scripts.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := readPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(b), nil
}

// ---- device key files ----

var reDeviceID = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)

func keyDir() string { return filepath.Join(cfgDir(), "devices") }

func keyPaths(deviceID string) (sealed, pub string, err error) {
	if !reDeviceID.MatchString(deviceID) {
		return "", "", fmt.Errorf("bad device id %q", deviceID)
	}
	base := filepath.Join(keyDir(), deviceID)
	return base + ".key", base + ".pub", nil
}

// saveDeviceKey writes the passphrase-sealed private key and the public key.
func saveDeviceKey(deviceID string, kp devicekey.Keypair, passphrase []byte) error {
	sealedPath, pubPath, err := keyPaths(deviceID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(sealedPath); err == nil {
		return fmt.Errorf("key for %s already exists: %s", deviceID, sealedPath)
	}
	sealed, err := devicekey.Seal(kp, passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(keyDir(), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(sealedPath, sealed, 0o600); err != nil {
		return err
	}
	return os.WriteFile(pubPath, []byte(kp.PublicHex()+"\n"), 0o644) //nolint:gosec // public half
}

func loadDeviceKey(deviceID string, passphrase []byte) (devicekey.Keypair, error) {
	sealedPath, _, err := keyPaths(deviceID)
	if err != nil {
		return devicekey.Keypair{}, err
	}
	sealed, err := os.ReadFile(sealedPath)
	if err != nil {
		return devicekey.Keypair{}, err
	}
	return devicekey.Open(sealed, passphrase)
}

func loadPublicKey(deviceID string) (string, error) {
	_, pubPath, err := keyPaths(deviceID)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func unlockDeviceKey(deviceID string) (devicekey.Keypair, error) {
	pass, err := readSecret("Key passphrase: ")
	if err != nil {
		return devicekey.Keypair{}, err
	}
	return loadDeviceKey(deviceID, []byte(pass))
}

func newDeviceKey(seedHex string) (devicekey.Keypair, error) {
	if seedHex == "" {
		return devicekey.Generate()
	}
	return devicekey.FromSeedHex(seedHex)
}

// ---- commands ----

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	device := fs.String("device", "", "device id")
	seed := fs.String("seed", "", "import an existing key from its hex seed instead of generating one")
	_ = fs.Parse(args)
	if *device == "" {
		return errors.New("need -device")
	}
	pass, err := readSecret("Key passphrase: ")
	if err != nil {
		return err
	}
	if pass == "" {
		return errors.New("empty passphrase")
	}
	kp, err := newDeviceKey(*seed)
	if err != nil {
		return err
	}
	if err := saveDeviceKey(*device, kp, []byte(pass)); err != nil {
		return err
	}
	fmt.Println(kp.PublicHex())
	return nil
}

// cmdSign answers a challenge delivered out of band.
func cmdSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	device := fs.String("device", "", "device id")
	nonceHex := fs.String("nonce", "", "challenge nonce (hex)")
	_ = fs.Parse(args)
	if *device == "" || *nonceHex == "" {
		return errors.New("need -device and -nonce")
	}
	nonce, err := hex.DecodeString(*nonceHex)
	if err != nil {
		return fmt.Errorf("bad nonce: %w", err)
	}
	kp, err := unlockDeviceKey(*device)
	if err != nil {
		return err
	}
	fmt.Println(kp.SignHex(nonce))
	return nil
}

// deviceLogin requests a challenge, signs it and exchanges it for a session.
func deviceLogin(ctx context.Context, cc grpc.ClientConnInterface, deviceID string, kp devicekey.Keypair) (map[string]any, error) {
	ch, err := invoke(ctx, cc, "RequestChallenge", map[string]any{"device_id": deviceID})
	if err != nil {
		return nil, err
	}
	nonceHex, _ := ch["nonce"].(string)
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) == 0 {
		return nil, fmt.Errorf("bad challenge nonce %q", nonceHex)
	}
	return invoke(ctx, cc, "DeviceLogin", map[string]any{
		"device_id": deviceID,
		"nonce":     nonceHex,
		"signature": kp.SignHex(nonce),
	})
}
