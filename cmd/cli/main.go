// Command sensorauth is a CLI client for the sensor auth service, usable by
// people and by devices.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/juancabe/sensor-proyect-sub000/internal/server/grpc"
)

// ---- config/token store ----

type tokenFile struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "sensorauth")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sensorauth")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(), b, 0o600)
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", errors.New("no token (login required)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.Token == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.Token, nil
}

func dropToken() error {
	if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// sessionFromResponse extracts the token fields of a session response.
func sessionFromResponse(m map[string]any) (tokenFile, error) {
	tok, _ := m["token"].(string)
	if tok == "" {
		return tokenFile{}, errors.New("response carries no token")
	}
	sub, _ := m["subject"].(string)
	exp, _ := m["expires_at"].(string)
	t, err := time.Parse(time.RFC3339, exp)
	if err != nil {
		return tokenFile{}, fmt.Errorf("bad expires_at %q: %w", exp, err)
	}
	return tokenFile{Token: tok, Subject: sub, ExpiresAt: t}, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

type dialConfig struct {
	addr      string
	caPath    string
	skipCheck bool
	plaintext bool
}

func loadTLS(d dialConfig) (credentials.TransportCredentials, error) {
	if d.plaintext {
		return insecure.NewCredentials(), nil
	}
	if d.skipCheck {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev flag
	}
	if d.caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(d.caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(d dialConfig, bearer string) (*grpc.ClientConn, error) {
	creds, err := loadTLS(d)
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !d.plaintext}))
	}
	return grpc.NewClient(d.addr, opts...)
}

// invoke calls a sensorauth.v1.Auth method with a Struct request.
func invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, grpcserver.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `sensorauth CLI
Usage:
  sensorauth -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  register      -u <username> -e <email>            (prompts for password)
  login         -u <username>                       (prompts, saves token)
  whoami
  renew                                             (saves new token)
  logout
  account       [-u <new username>] [-e <new email>] [-passwd]
  place         -name <name>
  keygen        -device <id> [-seed <hex>]          (prompts for key passphrase)
  sensor-add    -place <uuid> -device <id> [-pub <hex>]
  sensor        -device <id>
  device-login  -device <id>                        (saves token)
  sign          -device <id> -nonce <hex>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	var d dialConfig
	flag.StringVar(&d.addr, "addr", "localhost:8443", "server addr")
	flag.StringVar(&d.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&d.skipCheck, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&d.plaintext, "plaintext", false, "no TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "version":
		fmt.Printf("sensorauth %s (%s)\n", version, buildDate)
	case "register":
		err = cmdRegister(ctx, d, args)
	case "login":
		err = cmdLogin(ctx, d, args)
	case "whoami":
		err = withToken(ctx, d, func(cc *grpc.ClientConn) error {
			out, err := invoke(ctx, cc, "Whoami", nil)
			if err == nil {
				printJSON(out)
			}
			return err
		})
	case "renew":
		err = withToken(ctx, d, func(cc *grpc.ClientConn) error {
			return storeSession(invoke(ctx, cc, "Renew", nil))
		})
	case "logout":
		err = withToken(ctx, d, func(cc *grpc.ClientConn) error {
			if _, err := invoke(ctx, cc, "Logout", nil); err != nil {
				return err
			}
			return dropToken()
		})
	case "account":
		err = cmdAccount(ctx, d, args)
	case "place":
		err = cmdPlace(ctx, d, args)
	case "keygen":
		err = cmdKeygen(args)
	case "sensor-add":
		err = cmdSensorAdd(ctx, d, args)
	case "sensor":
		err = cmdSensor(ctx, d, args)
	case "device-login":
		err = cmdDeviceLogin(ctx, d, args)
	case "sign":
		err = cmdSign(args)
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

func withToken(ctx context.Context, d dialConfig, fn func(*grpc.ClientConn) error) error {
	tok, err := loadToken()
	if err != nil {
		return err
	}
	cc, err := dial(d, tok)
	if err != nil {
		return err
	}
	defer cc.Close()
	return fn(cc)
}

func storeSession(out map[string]any, err error) error {
	if err != nil {
		return err
	}
	tf, err := sessionFromResponse(out)
	if err != nil {
		return err
	}
	if err := saveToken(tf); err != nil {
		return err
	}
	fmt.Printf("ok: %s until %s\n", tf.Subject, tf.ExpiresAt.Format(time.RFC3339))
	return nil
}

func cmdRegister(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	u := fs.String("u", "", "username")
	e := fs.String("e", "", "email")
	_ = fs.Parse(args)
	if *u == "" || *e == "" {
		return errors.New("need -u and -e")
	}
	pwd, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	cc, err := dial(d, "")
	if err != nil {
		return err
	}
	defer cc.Close()
	out, err := invoke(ctx, cc, "Register", map[string]any{"username": *u, "email": *e, "password": pwd})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdLogin(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	u := fs.String("u", "", "username")
	_ = fs.Parse(args)
	if *u == "" {
		return errors.New("need -u")
	}
	pwd, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	cc, err := dial(d, "")
	if err != nil {
		return err
	}
	defer cc.Close()
	return storeSession(invoke(ctx, cc, "Login", map[string]any{"username": *u, "password": pwd}))
}

func cmdAccount(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	u := fs.String("u", "", "new username")
	e := fs.String("e", "", "new email")
	passwd := fs.Bool("passwd", false, "change password (prompts)")
	_ = fs.Parse(args)

	req := map[string]any{}
	if *u != "" {
		req["username"] = *u
	}
	if *e != "" {
		req["email"] = *e
	}
	if *passwd {
		pwd, err := readSecret("New password: ")
		if err != nil {
			return err
		}
		req["password"] = pwd
	}
	if len(req) == 0 {
		return errors.New("nothing to change (-u, -e or -passwd)")
	}
	return withToken(ctx, d, func(cc *grpc.ClientConn) error {
		return storeSession(invoke(ctx, cc, "UpdateAccount", req))
	})
}

func cmdPlace(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("place", flag.ExitOnError)
	name := fs.String("name", "", "place name")
	_ = fs.Parse(args)
	if *name == "" {
		return errors.New("need -name")
	}
	return withToken(ctx, d, func(cc *grpc.ClientConn) error {
		out, err := invoke(ctx, cc, "CreatePlace", map[string]any{"name": *name})
		if err == nil {
			printJSON(out)
		}
		return err
	})
}

func cmdSensorAdd(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("sensor-add", flag.ExitOnError)
	place := fs.String("place", "", "place id (uuid)")
	device := fs.String("device", "", "device id")
	pub := fs.String("pub", "", "device public key (hex); defaults to the local key file")
	_ = fs.Parse(args)
	if *place == "" || *device == "" {
		return errors.New("need -place and -device")
	}
	if *pub == "" {
		p, err := loadPublicKey(*device)
		if err != nil {
			return fmt.Errorf("no -pub and no local key for %s: %w", *device, err)
		}
		*pub = p
	}
	return withToken(ctx, d, func(cc *grpc.ClientConn) error {
		out, err := invoke(ctx, cc, "RegisterSensor", map[string]any{"place_id": *place, "device_id": *device, "public_key": *pub})
		if err == nil {
			printJSON(out)
		}
		return err
	})
}

func cmdSensor(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("sensor", flag.ExitOnError)
	device := fs.String("device", "", "device id")
	_ = fs.Parse(args)
	if *device == "" {
		return errors.New("need -device")
	}
	return withToken(ctx, d, func(cc *grpc.ClientConn) error {
		out, err := invoke(ctx, cc, "GetSensor", map[string]any{"device_id": *device})
		if err == nil {
			printJSON(out)
		}
		return err
	})
}

func cmdDeviceLogin(ctx context.Context, d dialConfig, args []string) error {
	fs := flag.NewFlagSet("device-login", flag.ExitOnError)
	device := fs.String("device", "", "device id")
	_ = fs.Parse(args)
	if *device == "" {
		return errors.New("need -device")
	}
	kp, err := unlockDeviceKey(*device)
	if err != nil {
		return err
	}
	cc, err := dial(d, "")
	if err != nil {
		return err
	}
	defer cc.Close()
	return storeSession(deviceLogin(ctx, cc, *device, kp))
}

// ---- helpers ----

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
