// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/spalink/pkg/balboa"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Send a command to the spa",
	Long: `Send one command and wait until the spa confirms it.

The command connects, waits for the first status update, sends the request
and exits once the reported state matches or the retries run out.`,
}

var setTemperatureCmd = &cobra.Command{
	Use:   "temperature <celsius>",
	Short: "Change the set point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		celsius, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid temperature %q", args[0])
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetTargetTemperature(celsius)
		})
	},
}

var setModeCmd = &cobra.Command{
	Use:       "mode <ready|rest>",
	Short:     "Change the heat mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"ready", "rest"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var mode balboa.HeatMode
		switch strings.ToLower(args[0]) {
		case "ready":
			mode = balboa.HeatModeReady
		case "rest":
			mode = balboa.HeatModeRest
		default:
			return fmt.Errorf("invalid mode %q (use ready or rest)", args[0])
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetMode(mode)
		})
	},
}

var setPumpCmd = &cobra.Command{
	Use:   "pump <n> [speed]",
	Short: "Set pump n to a speed, or advance it to the next one",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pump %q", args[0])
		}
		if len(args) == 1 {
			return runSet(func(e *spa.Engine) (*spa.Handle, error) {
				return e.TogglePump(n)
			})
		}
		speed, err := parseSpeed(args[1])
		if err != nil {
			return err
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetPump(n, speed)
		})
	},
}

var setLightCmd = &cobra.Command{
	Use:   "light <n> [on|off]",
	Short: "Switch light n",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid light %q", args[0])
		}
		if len(args) == 1 {
			return runSet(func(e *spa.Engine) (*spa.Handle, error) {
				return e.ToggleLight(n)
			})
		}
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetLight(n, on)
		})
	},
}

var setBlowerCmd = &cobra.Command{
	Use:   "blower <speed>",
	Short: "Set the blower speed, 0 for off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		speed, err := parseSpeed(args[0])
		if err != nil {
			return err
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetBlower(speed)
		})
	},
}

var setMisterCmd = &cobra.Command{
	Use:       "mister <on|off>",
	Short:     "Switch the mister",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetMister(on)
		})
	},
}

var setAuxCmd = &cobra.Command{
	Use:   "aux <n> <on|off>",
	Short: "Switch auxiliary output n",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid aux %q", args[0])
		}
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetAux(n, on)
		})
	},
}

var setRangeCmd = &cobra.Command{
	Use:       "range <low|high>",
	Short:     "Select the temperature range",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"low", "high"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var r balboa.TempRange
		switch strings.ToLower(args[0]) {
		case "low":
			r = balboa.TempRangeLow
		case "high":
			r = balboa.TempRangeHigh
		default:
			return fmt.Errorf("invalid range %q (use low or high)", args[0])
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetTempRange(r)
		})
	},
}

var setScaleCmd = &cobra.Command{
	Use:       "scale <c|f>",
	Short:     "Switch the panel between Celsius and Fahrenheit",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"c", "f"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var scale balboa.Scale
		switch strings.ToLower(args[0]) {
		case "c", "celsius":
			scale = balboa.ScaleCelsius
		case "f", "fahrenheit":
			scale = balboa.ScaleFahrenheit
		default:
			return fmt.Errorf("invalid scale %q (use c or f)", args[0])
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetScale(scale)
		})
	},
}

var setTime24h bool

var setTimeCmd = &cobra.Command{
	Use:   "time [HH:MM]",
	Short: "Set the controller clock, to now if no time is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at := time.Now()
		if len(args) == 1 {
			var err error
			if at, err = parseClock(args[0], at); err != nil {
				return err
			}
		}
		return runSet(func(e *spa.Engine) (*spa.Handle, error) {
			return e.SetTime(at, setTime24h)
		})
	},
}

func init() {
	rootCmd.AddCommand(setCmd)
	setCmd.AddCommand(setTemperatureCmd, setModeCmd, setPumpCmd, setLightCmd,
		setBlowerCmd, setMisterCmd, setAuxCmd, setRangeCmd, setScaleCmd, setTimeCmd)
	setTimeCmd.Flags().BoolVar(&setTime24h, "24h", true, "Show the time in 24 hour format")
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch %q (use on or off)", s)
}

func parseSpeed(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "off":
		return 0, nil
	case "low":
		return 1, nil
	case "high":
		return 2, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid speed %q (use off, low, high or a number)", s)
	}
	return uint8(v), nil
}

// parseClock reads HH:MM as a time on the day of ref
func parseClock(s string, ref time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use HH:MM)", s)
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location()), nil
}

// commandDeadline covers every retransmission of one command, and the
// extra presses of a multi-step change
func commandDeadline() time.Duration {
	return time.Duration(cfg.Engine.MaxAttempts+4)*cfg.Engine.AckTimeout + 5*time.Second
}

func runSet(request func(e *spa.Engine) (*spa.Handle, error)) error {
	ctx, stop := signalContext()
	defer stop()

	engine, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := waitLive(ctx, engine); err != nil {
		return err
	}

	h, err := request(engine)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, commandDeadline())
	defer cancel()

	res, err := h.Wait(waitCtx)
	if err != nil {
		engine.Cancel(h)
		return err
	}
	if res.Outcome != spa.Acked {
		return fmt.Errorf("%s %s: %w", h.Intent(), res.Outcome, res.Err)
	}

	logger.Info().Stringer("intent", h.Intent()).Msg("Confirmed by spa")
	fmt.Print(formatState(engine.State()))
	return nil
}
