package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/percept-ml/percept/deploy"
	"github.com/percept-ml/percept/internal/crypt"
)

// modelFlags are the options shared by every inference subcommand.
type modelFlags struct {
	key        string
	keyFile    string
	output     string
	noEncrypt  bool
	maxBatch   int
	warmup     bool
	ortLibrary string
}

func (f *modelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "decryption key for encrypted model packages")
	cmd.Flags().StringVar(&f.keyFile, "key-file", "", "file containing the decryption key")
	cmd.Flags().StringVarP(&f.output, "output", "o", "out", "directory for results and visualizations")
	cmd.Flags().BoolVar(&f.noEncrypt, "no-encryption", false, "disable the decrypt-on-load capability entirely")
	cmd.Flags().IntVar(&f.maxBatch, "max-batch", 0, "max rows per batch for dynamic-batch models")
	cmd.Flags().BoolVar(&f.warmup, "warmup", false, "run one blank batch per device after load")
	cmd.Flags().StringVar(&f.ortLibrary, "ort-lib", "", "path to the onnxruntime shared library")
}

// resolveKey returns the key string, preferring --key over --key-file.
func (f *modelFlags) resolveKey() (string, error) {
	if f.key != "" {
		return f.key, nil
	}
	if f.keyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(f.keyFile)
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *modelFlags) options(backend string, devices []deploy.Device) (deploy.Options, error) {
	key, err := f.resolveKey()
	if err != nil {
		return deploy.Options{}, err
	}
	return deploy.Options{
		Backend:           backend,
		Devices:           devices,
		Key:               key,
		EncryptionEnabled: !f.noEncrypt,
		MaxBatch:          f.maxBatch,
		Warmup:            f.warmup,
		ORTLibraryPath:    f.ortLibrary,
	}, nil
}

func inferCmd() *cobra.Command {
	var flags modelFlags
	cmd := &cobra.Command{
		Use:   "infer MODEL_DIR IMAGE",
		Short: "Run single-image inference on the native backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(deploy.BackendNative, nil)
			if err != nil {
				return err
			}
			p, err := deploy.New(args[0], opts)
			if err != nil {
				return err
			}
			defer p.Release()
			return runFiles(p, []string{args[1]}, flags.output)
		},
	}
	flags.register(cmd)
	return cmd
}

func batchCmd() *cobra.Command {
	var flags modelFlags
	cmd := &cobra.Command{
		Use:   "batch MODEL_DIR LIST_FILE",
		Short: "Run batched inference over a file list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := readFileList(args[1])
			if err != nil {
				return err
			}
			opts, err := flags.options(deploy.BackendNative, nil)
			if err != nil {
				return err
			}
			p, err := deploy.New(args[0], opts)
			if err != nil {
				return err
			}
			defer p.Release()
			return runFiles(p, paths, flags.output)
		},
	}
	flags.register(cmd)
	return cmd
}

func multiCmd() *cobra.Command {
	var flags modelFlags
	var replicas int
	var deviceIDs []int
	var backend string

	cmd := &cobra.Command{
		Use:   "multi MODEL_DIR LIST_FILE",
		Short: "Run inference across multiple devices",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := readFileList(args[1])
			if err != nil {
				return err
			}

			var devices []deploy.Device
			switch backend {
			case deploy.BackendNative:
				if replicas <= 0 {
					replicas = 2
				}
				for i := 0; i < replicas; i++ {
					devices = append(devices, deploy.Device{Kind: deploy.Host, Index: i})
				}
			case deploy.BackendORT:
				if len(deviceIDs) == 0 {
					return fmt.Errorf("multi with the ort backend requires --devices")
				}
				for _, id := range deviceIDs {
					devices = append(devices, deploy.Device{Kind: deploy.Accelerator, Index: id})
				}
			default:
				return fmt.Errorf("%w: %q", deploy.ErrUnknownBackend, backend)
			}

			opts, err := flags.options(backend, devices)
			if err != nil {
				return err
			}
			p, err := deploy.New(args[0], opts)
			if err != nil {
				return err
			}
			defer p.Release()
			return runFiles(p, paths, flags.output)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&replicas, "replicas", 0, "host model replicas for the native backend")
	cmd.Flags().IntSliceVar(&deviceIDs, "devices", nil, "accelerator device ids for the ort backend")
	cmd.Flags().StringVar(&backend, "backend", deploy.BackendNative, "inference backend (native|ort)")
	return cmd
}

func accelCmd() *cobra.Command {
	var flags modelFlags
	var deviceID int

	cmd := &cobra.Command{
		Use:   "accel MODEL_DIR IMAGE_OR_LIST",
		Short: "Run inference on the accelerated ONNX Runtime backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := resolveInputs(args[1])
			if err != nil {
				return err
			}
			devices := []deploy.Device{{Kind: deploy.Accelerator, Index: deviceID}}
			opts, err := flags.options(deploy.BackendORT, devices)
			if err != nil {
				return err
			}
			p, err := deploy.New(args[0], opts)
			if err != nil {
				return err
			}
			defer p.Release()
			return runFiles(p, paths, flags.output)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&deviceID, "device", 0, "accelerator device id")
	return cmd
}

func encryptCmd() *cobra.Command {
	var key, keyFile string
	cmd := &cobra.Command{
		Use:   "encrypt WEIGHTS_IN WEIGHTS_OUT",
		Short: "Seal a plaintext weight artifact into the encrypted envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := modelFlags{key: key, keyFile: keyFile}
			k, err := f.resolveKey()
			if err != nil {
				return err
			}
			if k == "" {
				return fmt.Errorf("encrypt requires --key or --key-file")
			}

			plaintext, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sealed, err := crypt.Encrypt(k, plaintext)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], sealed, 0o644); err != nil {
				return err
			}
			fmt.Printf("sealed %d bytes -> %s\n", len(plaintext), args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "encryption key")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "file containing the encryption key")
	return cmd
}
