package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/chewxy/math32"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/config"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/densitometer"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/sensor"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/slopecal"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/util"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port (e.g., COM3 or /dev/ttyACM0)")
		configFlag = flag.String("config", "densitometer.yaml", "Calibration settings file path")
		simFlag    = flag.Bool("sim", false, "Use simulated device instead of serial port")
		slopeFlag  = flag.Bool("slope", false, "Apply slope correction to transmission measurements")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	command := flag.Arg(0)

	settings, err := config.Open(*configFlag)
	if err != nil {
		log.Fatalf("Failed to open settings: %v", err)
	}

	// Slope fitting works from a file and needs no hardware.
	if command == "slope-fit" {
		runSlopeFit(settings, flag.Arg(1))
		return
	}

	var dev sensor.Device
	if *simFlag {
		dev = sensor.NewSim(sensor.DefaultSimConfig())
	} else {
		if *portFlag == "" {
			log.Fatal("Serial port required; pass -p PORT or -sim")
		}
		dev = sensor.NewSerial(*portFlag, sensor.DefaultBaudRate, sensor.DefaultBufferSize)
	}

	if err := dev.Connect(); err != nil {
		log.Fatalf("Failed to connect to device: %v", err)
	}
	defer dev.Close()

	monitor := sensor.NewMonitor(dev, settings)
	dens := densitometer.New(monitor, settings)

	switch command {
	case "measure-r":
		density, err := dens.MeasureReflection()
		if err != nil {
			log.Fatalf("Reflection measurement failed: %v", err)
		}
		fmt.Printf("D = %s\n", util.FloatToString(density, 2))
	case "measure-t":
		density, err := dens.MeasureTransmission()
		if err != nil {
			log.Fatalf("Transmission measurement failed: %v", err)
		}
		if *slopeFlag {
			density = slopeCorrectedDensity(dens, settings, density)
		}
		fmt.Printf("D = %s\n", util.FloatToString(density, 2))
	case "cal-gain":
		runGainCal(monitor, settings)
	case "cal-reflo":
		if err := dens.CalibrateReflectionLo(densityArg()); err != nil {
			log.Fatalf("Reflection lo calibration failed: %v", err)
		}
		fmt.Println("Reflection lo point saved")
	case "cal-refhi":
		if err := dens.CalibrateReflectionHi(densityArg()); err != nil {
			log.Fatalf("Reflection hi calibration failed: %v", err)
		}
		fmt.Println("Reflection hi point saved")
	case "cal-tranzero":
		if err := dens.CalibrateTransmissionZero(); err != nil {
			log.Fatalf("Transmission zero calibration failed: %v", err)
		}
		fmt.Println("Transmission zero reference saved")
	case "cal-tranhi":
		if err := dens.CalibrateTransmissionHi(densityArg()); err != nil {
			log.Fatalf("Transmission hi calibration failed: %v", err)
		}
		fmt.Println("Transmission hi point saved")
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] COMMAND [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  measure-r          measure reflection density\n")
	fmt.Fprintf(os.Stderr, "  measure-t          measure transmission density\n")
	fmt.Fprintf(os.Stderr, "  cal-gain           run sensor gain calibration\n")
	fmt.Fprintf(os.Stderr, "  cal-reflo D        capture reflection lo point at density D\n")
	fmt.Fprintf(os.Stderr, "  cal-refhi D        capture reflection hi point at density D\n")
	fmt.Fprintf(os.Stderr, "  cal-tranzero       capture transmission zero reference\n")
	fmt.Fprintf(os.Stderr, "  cal-tranhi D       capture transmission hi point at density D\n")
	fmt.Fprintf(os.Stderr, "  slope-fit FILE     fit slope correction from a density,reading CSV\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func densityArg() float32 {
	if flag.NArg() < 2 {
		log.Fatal("Density argument required")
	}
	v, err := strconv.ParseFloat(flag.Arg(1), 32)
	if err != nil {
		log.Fatalf("Invalid density %q: %v", flag.Arg(1), err)
	}
	return float32(v)
}

func runGainCal(monitor *sensor.Monitor, settings *config.Settings) {
	cal := sensor.NewGainCalibrator(monitor, settings)
	err := cal.Run(func(status sensor.GainCalStatus, param int) bool {
		fmt.Printf("gain calibration: %s %d\n", status, param)
		return true
	})
	if err != nil {
		log.Fatalf("Gain calibration failed: %v", err)
	}

	g, _ := settings.GainCalibration()
	fmt.Printf("medium:  ch0=%s ch1=%s\n", util.FloatToString(g.Ch0Medium, 2), util.FloatToString(g.Ch1Medium, 2))
	fmt.Printf("high:    ch0=%s ch1=%s\n", util.FloatToString(g.Ch0High, 2), util.FloatToString(g.Ch1High, 2))
	fmt.Printf("maximum: ch0=%s ch1=%s\n", util.FloatToString(g.Ch0Maximum, 2), util.FloatToString(g.Ch1Maximum, 2))
}

func runSlopeFit(settings *config.Settings, path string) {
	if path == "" {
		log.Fatal("slope-fit requires a CSV file of density,reading rows")
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		log.Fatalf("Failed to read %s: %v", path, err)
	}

	entries := make([]slopecal.Entry, 0, len(records))
	for _, rec := range records {
		e := slopecal.Entry{Density: math.NaN(), Reading: math.NaN()}
		if len(rec) >= 2 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err == nil {
				e.Density = v
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64); err == nil {
				e.Reading = v
			}
		}
		entries = append(entries, e)
	}

	b0, b1, b2, err := slopecal.Fit(entries)
	if err != nil {
		log.Fatalf("Slope fit failed: %v", err)
	}

	sl := config.CalSlope{B0: float32(b0), B1: float32(b1), B2: float32(b2)}
	if err := settings.SetSlopeCalibration(sl); err != nil {
		log.Fatalf("Failed to save slope calibration: %v", err)
	}
	fmt.Printf("b0=%s b1=%s b2=%s\n",
		util.FloatToString(sl.B0, 6), util.FloatToString(sl.B1, 6), util.FloatToString(sl.B2, 6))
}

// slopeCorrectedDensity re-derives the basic-count reading behind a
// transmission density, runs it through the slope correction, and maps
// it back to density through the same calibration record.
func slopeCorrectedDensity(dens *densitometer.Densitometer, settings *config.Settings, density float32) float32 {
	cal, ok := settings.TransmissionCalibration()
	if !ok {
		return density
	}
	adj := cal.HiDensity / -math32.Log10(cal.HiReading/cal.ZeroReading)
	meas := cal.ZeroReading * math32.Pow(10, -density/adj)
	corrected := dens.ApplySlopeCorrection(meas)
	return -math32.Log10(corrected/cal.ZeroReading) * adj
}
