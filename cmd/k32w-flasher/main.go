package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/arduino/go-paths-helper"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/k32w-flasher/internal/config"
	"github.com/bigbag/k32w-flasher/internal/detect"
	"github.com/bigbag/k32w-flasher/internal/flasher"
	"github.com/bigbag/k32w-flasher/internal/isp"
	"github.com/bigbag/k32w-flasher/internal/protocol"
	"github.com/bigbag/k32w-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	baudFlag    int
	ispBaudFlag uint32
	configFlag  string
	crcFlag     bool
	offsetFlag  uint32
	lengthFlag  uint32
	outputFlag  string

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "k32w-flasher",
		Short: "Flash firmware to K32W0 radio co-processors",
		Long: `K32W Flasher programs NXP K32W0 radio co-processors through the
ISP bootloader in their ROM over a UART link.

The device is reset into ISP mode using RTS (reset) and DTR (DIO5)
of the serial adapter.`,
		SilenceUsage:      true,
		PersistentPreRunE: preRun,
	}

	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	rootCmd.PersistentFlags().Uint32Var(&ispBaudFlag, "isp-baud", 0, "Baud rate to switch to once the bootloader is unlocked (0 keeps --baud)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to the file where logs will be written")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "The output format for the logs, can be {text|json}.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Messages with this level and above will be logged. Valid levels are: trace, debug, info, warn, error, fatal, panic")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print the logs on the standard output.")

	// Update command
	updateCmd := &cobra.Command{
		Use:   "update <firmware.bin>",
		Short: "Update firmware if it differs from the device",
		Long: `Reset the device into ISP mode and compare the CRC stored after the
firmware on the device with the CRC of the given image.

The device is erased and programmed, with the image CRC, only when
the CRCs differ or the stored CRC cannot be read.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpdate,
	}

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin>",
		Short: "Erase and flash firmware",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().BoolVar(&crcFlag, "crc", true, "Write the image CRC after the image")

	// Verify command
	verifyCmd := &cobra.Command{
		Use:   "verify <firmware.bin>",
		Short: "Check the firmware CRC stored on the device",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}

	// Read command
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read flash memory",
		Long:  "Read flash memory and write it to a file, or hex dump it when no file is given.",
		Args:  cobra.NoArgs,
		RunE:  runRead,
	}
	readCmd.Flags().Uint32Var(&offsetFlag, "offset", 0, "Flash offset")
	readCmd.Flags().Uint32Var(&lengthFlag, "length", protocol.FlashSectorSize, "Number of bytes to read")
	readCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Reset the device into ISP mode and show its chip id and flash layout.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Scan all serial ports for K32W0 devices",
		Args:  cobra.NoArgs,
		RunE:  runDetect,
	}

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the whole flash",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the device out of ISP mode",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	configCmd := &cobra.Command{
		Use:   "config <file.yaml>",
		Short: "Write the current settings to a YAML config file",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfig,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("k32w-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(updateCmd, flashCmd, verifyCmd, readCmd, infoCmd, detectCmd, eraseCmd, resetCmd, listCmd, configCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func preRun(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}

	cfg = config.Default()
	if configFlag != "" {
		loaded, err := config.Load(paths.New(configFlag))
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags win over the config file
	if cmd.Flags().Changed("port") || cfg.Port == "" {
		cfg.Port = portFlag
	}
	if cmd.Flags().Changed("baud") {
		cfg.Baud = baudFlag
	}
	if cmd.Flags().Changed("isp-baud") {
		cfg.ISPBaud = ispBaudFlag
	}
	if cmd.Flags().Changed("crc") {
		cfg.CRC = crcFlag
	}
	return cfg.Validate()
}

// device is an open connection to a K32W0.
type device struct {
	port    *serial.Port
	flasher *flasher.Flasher
}

func (d *device) Close() error {
	return d.port.Close()
}

// openDevice opens the configured port, or the first port with a device
// on it.
func openDevice() (*device, error) {
	portName := cfg.Port
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(cfg.Baud, cfg.SessionOptions()...)
		if err != nil {
			return nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found chip 0x%08X on %s\n", result.ChipID, result.Port)
	}

	port, err := serial.Open(portName, cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open port: %w", err)
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, cfg.Baud)

	session, err := isp.NewSession(port, cfg.SessionOptions()...)
	if err != nil {
		port.Close()
		return nil, err
	}

	return &device{
		port:    port,
		flasher: flasher.New(session, cfg.FlasherOptions()...),
	}, nil
}

func connect() (*device, error) {
	d, err := openDevice()
	if err != nil {
		return nil, err
	}
	fmt.Println("Resetting into ISP mode...")
	if err := d.flasher.Connect(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func readImage(name string) ([]byte, error) {
	image, err := paths.New(name).ReadFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware file: %w", err)
	}
	fmt.Printf("Firmware: %s (%d bytes, CRC 0x%08X)\n", name, len(image), protocol.CRC32(image))
	return image, nil
}

// attachProgress shows a progress bar for writes of image.
func attachProgress(f *flasher.Flasher, image []byte) *progressbar.ProgressBar {
	chunks := (len(image) + protocol.FlashSectorSize - 1) / protocol.FlashSectorSize
	bar := progressbar.NewOptions(chunks,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})
	return bar
}

func runUpdate(cmd *cobra.Command, args []string) error {
	image, err := readImage(args[0])
	if err != nil {
		return err
	}

	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close()

	bar := attachProgress(d.flasher, image)
	if err := d.flasher.RunOTWUpdate(image); err != nil {
		return fmt.Errorf("update failed (%s): %w", isp.StatusOf(err), err)
	}
	bar.Finish()

	fmt.Println("Done!")
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	image, err := readImage(args[0])
	if err != nil {
		return err
	}

	d, err := connect()
	if err != nil {
		return err
	}
	defer d.Close()

	bar := attachProgress(d.flasher, image)
	if err := d.flasher.ProgramFirmware(image, cfg.CRC); err != nil {
		return fmt.Errorf("flash failed (%s): %w", isp.StatusOf(err), err)
	}
	bar.Finish()

	fmt.Println("\nFlash complete!")
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	image, err := readImage(args[0])
	if err != nil {
		return err
	}

	d, err := connect()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.flasher.VerifyCRC(image); err != nil {
		return err
	}
	fmt.Println("Firmware CRC matches")
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	d, err := connect()
	if err != nil {
		return err
	}
	defer d.Close()

	data, err := d.flasher.ReadMemory(offsetFlag, lengthFlag)
	if err != nil {
		return err
	}
	if len(data) < int(lengthFlag) {
		fmt.Printf("Warning: device returned %d of %d bytes\n", len(data), lengthFlag)
	}

	if outputFlag == "" {
		fmt.Print(hex.Dump(data))
		return nil
	}
	if err := paths.New(outputFlag).WriteFile(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputFlag, err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), outputFlag)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	var (
		result *detect.Result
		err    error
	)
	if cfg.Port != "" {
		result, err = detect.DetectOnPort(cfg.Port, cfg.Baud, cfg.SessionOptions()...)
	} else {
		fmt.Println("Detecting device...")
		result, err = detect.DetectDevice(cfg.Baud, cfg.SessionOptions()...)
	}
	if err != nil {
		return err
	}

	printDeviceInfo(result)
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	fmt.Println("Scanning for K32W0 devices...")
	devices, err := detect.ListDevices(cfg.Baud, cfg.SessionOptions()...)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No K32W0 devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:        %s\n", d.Port)
	fmt.Printf("  Chip ID:     0x%08X\n", d.ChipID)
	if d.BootloaderVersion != 0 {
		fmt.Printf("  Bootloader:  0x%08X\n", d.BootloaderVersion)
	}
	if d.Flash != nil {
		fmt.Printf("  Flash:       %s\n", d.Flash)
		fmt.Printf("  Access:      %s\n", d.Flash.Access)
	} else {
		fmt.Println("  Flash:       locked (unlock key rejected)")
	}
}

func runErase(cmd *cobra.Command, args []string) error {
	d, err := connect()
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.flasher.Unlock(); err != nil {
		return err
	}
	if err := d.flasher.EraseAll(); err != nil {
		return err
	}
	fmt.Println("Flash erased")
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	d, err := connect()
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.flasher.Unlock(); err != nil {
		return err
	}
	if err := d.flasher.Reset(); err != nil {
		return err
	}
	fmt.Println("Device reset")
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	if err := cfg.Save(paths.New(args[0])); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", args[0])
	return nil
}
