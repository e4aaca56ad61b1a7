// Copyright 2021-2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//---------------------------------------------------------------
// sysfs SPECIFICATION
//
// sys/devices/pci0000:00/0000:00:0X.0/
// sys/devices/pci0000:00/0000:00:0X.0/vendor (0x8086)
// sys/devices/pci0000:00/0000:00:0X.0/device (PCI device id)
// sys/devices/pci0000:00/0000:00:0X.0/class (0x030000)
// sys/devices/pci0000:00/0000:00:0X.0/numa_node (Numa node index, number)
// sys/devices/pci0000:00/0000:00:0X.0/resource0 (register BAR, sparse file)
// sys/devices/pci0000:00/0000:00:0X.0/driver -> ../../../bus/pci/drivers/<Driver>
// sys/devices/pci0000:00/0000:00:0X.0/drm/cardX/
// sys/devices/pci0000:00/0000:00:0X.0/drm/cardX/device -> ../..
// sys/devices/pci0000:00/0000:00:0X.0/drm/cardX/gt/gtN/error_counter/*
// sys/devices/pci0000:00/0000:00:0X.0/drm/renderD1XX/
// sys/class/drm/cardX -> ../../devices/pci0000:00/0000:00:0X.0/drm/cardX
// sys/class/drm/renderD1XX -> ../../devices/pci0000:00/0000:00:0X.0/drm/renderD1XX
//---------------------------------------------------------------
// debugfs SPECIFICATION
//
// sys/kernel/debug/dri/X/i915_capabilities ("key: value" lines, "gen: N")
// sys/kernel/debug/dri/X/i915_forcewake_user
//---------------------------------------------------------------
// devfs SPECIFICATION
//
// dev/dri/cardX
// dev/dri/renderD1XX
// dev/dri/by-path/pci-0000:00:0X.0-{card,render}
//---------------------------------------------------------------

// Package fakedri generates fake sysfs, debugfs and devfs content describing
// i915 GPUs, for exercising device discovery without hardware.
package fakedri

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

const (
	dirMode      = 0775
	fileMode     = 0644
	cardBase     = 0
	renderBase   = 128
	maxDevs      = 8
	sysfsPath    = "/sys"
	devfsPath    = "/dev"
	devNullMajor = 1
	devNullMinor = 3
	devNullType  = unix.S_IFCHR

	defaultDeviceID     = "0x1912"
	defaultRegisterSize = 2 << 20
)

// GenOptions describes the fake devices to generate.
type GenOptions struct {
	Capabilities    map[string]string `yaml:"Capabilities"`    // debugfs i915_capabilities content
	Registers       map[string]uint32 `yaml:"Registers"`       // initial resource0 dwords, keyed by offset
	Info            string            `yaml:"Info"`            // Verbal config description
	Driver          string            `yaml:"Driver"`          // Driver name (i915)
	DeviceID        string            `yaml:"DeviceID"`        // PCI device id, 0x1912 if unset
	Path            string            `yaml:"Path"`            // Path to fake device folder
	DevCount        int               `yaml:"DevCount"`        // How many devices to fake
	TilesPerDev     int               `yaml:"TilesPerDev"`     // Per-device GT count
	DevsPerNumaNode int               `yaml:"DevsPerNumaNode"` // How many devices per Numa node
	RegisterSize    int               `yaml:"RegisterSize"`    // resource0 size in bytes
	// PlainNodes creates regular files instead of device nodes, which
	// needs no privileges.
	PlainNodes bool `yaml:"PlainNodes"`

	// fields for counting what was generated
	files int
	dirs  int
	devs  int
	symls int
}

func pciName(i int) string {
	return fmt.Sprintf("0000:00:%02x.0", 2+i)
}

func writeFile(opts *GenOptions, file, data string) error {
	if err := os.WriteFile(file, []byte(data), fileMode); err != nil {
		return err
	}

	opts.files++

	return nil
}

func symlink(opts *GenOptions, target, link string) error {
	if err := os.Symlink(target, link); err != nil {
		return errors.Wrapf(err, "symlink creation failed '%s'", link)
	}

	opts.symls++

	return nil
}

func mkdir(opts *GenOptions, path string) error {
	if err := os.MkdirAll(path, dirMode); err != nil {
		return err
	}

	opts.dirs++

	return nil
}

func addSysfsPCITree(root string, opts *GenOptions, i int) error {
	base := filepath.Join(root, "devices", "pci0000:00", pciName(i))
	if err := mkdir(opts, base); err != nil {
		return err
	}

	node := 0
	if opts.DevsPerNumaNode > 0 {
		node = i / opts.DevsPerNumaNode
	}

	for name, value := range map[string]string{
		"vendor":    "0x8086",
		"device":    opts.DeviceID,
		"class":     "0x030000",
		"numa_node": strconv.Itoa(node),
	} {
		if err := writeFile(opts, filepath.Join(base, name), value+"\n"); err != nil {
			return err
		}
	}

	if err := addRegisterFile(filepath.Join(base, "resource0"), opts); err != nil {
		return err
	}

	driver := filepath.Join(root, "bus", "pci", "drivers", opts.Driver)
	if err := mkdir(opts, driver); err != nil {
		return err
	}

	if err := symlink(opts, "../../../bus/pci/drivers/"+opts.Driver, filepath.Join(base, "driver")); err != nil {
		return err
	}

	card := fmt.Sprintf("card%d", cardBase+i)
	render := fmt.Sprintf("renderD%d", renderBase+i)

	for _, name := range []string{card, render} {
		path := filepath.Join(base, "drm", name)
		if err := mkdir(opts, path); err != nil {
			return err
		}

		if err := symlink(opts, "../..", filepath.Join(path, "device")); err != nil {
			return err
		}

		if err := symlink(opts, filepath.Join("../../devices/pci0000:00", pciName(i), "drm", name),
			filepath.Join(root, "class", "drm", name)); err != nil {
			return err
		}
	}

	for tile := 0; tile < opts.TilesPerDev; tile++ {
		path := filepath.Join(base, "drm", card, "gt", fmt.Sprintf("gt%d", tile), "error_counter")
		if err := mkdir(opts, path); err != nil {
			return err
		}

		for _, counter := range []string{"correctable_eu_grf", "fatal_guc", "sgunit_fatal"} {
			if err := writeFile(opts, filepath.Join(path, counter), "0"); err != nil {
				return err
			}
		}
	}

	return nil
}

func addRegisterFile(file string, opts *GenOptions) error {
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	opts.files++

	if err := f.Truncate(int64(opts.RegisterSize)); err != nil {
		return err
	}

	for key, value := range opts.Registers {
		off, err := strconv.ParseUint(key, 0, 32)
		if err != nil || off%4 != 0 || off+4 > uint64(opts.RegisterSize) {
			return errors.Errorf("invalid register offset %q", key)
		}

		var buf [4]byte

		binary.LittleEndian.PutUint32(buf[:], value)

		if _, err := f.WriteAt(buf[:], int64(off)); err != nil {
			return err
		}
	}

	return nil
}

func addDeviceNodes(base string, opts *GenOptions, i int) error {
	mode := uint32(fileMode | devNullType)
	devid := int(unix.Mkdev(uint32(devNullMajor), uint32(devNullMinor)))

	for _, name := range []string{fmt.Sprintf("card%d", cardBase+i), fmt.Sprintf("renderD%d", renderBase+i)} {
		file := filepath.Join(base, name)

		if opts.PlainNodes {
			if err := writeFile(opts, file, ""); err != nil {
				return err
			}

			continue
		}

		if err := unix.Mknod(file, mode, devid); err != nil {
			return errors.Wrapf(err, "NULL device (%d:%d) node creation failed for '%s'",
				devNullMajor, devNullMinor, file)
		}

		opts.devs++
	}

	return nil
}

func addDeviceSymlinks(base string, opts *GenOptions, i int) error {
	target := filepath.Join(base, fmt.Sprintf("by-path/pci-%s-card", pciName(i)))
	if err := symlink(opts, fmt.Sprintf("../card%d", cardBase+i), target); err != nil {
		return err
	}

	target = filepath.Join(base, fmt.Sprintf("by-path/pci-%s-render", pciName(i)))

	return symlink(opts, fmt.Sprintf("../renderD%d", renderBase+i), target)
}

func addDevfsDriTree(root string, opts *GenOptions, i int) error {
	base := filepath.Join(root, "dri")
	if err := mkdir(opts, filepath.Join(base, "by-path")); err != nil {
		return err
	}

	if err := addDeviceNodes(base, opts, i); err != nil {
		return err
	}

	return addDeviceSymlinks(base, opts, i)
}

func addDebugfsDriTree(root string, opts *GenOptions, i int) error {
	base := filepath.Join(root, "kernel", "debug", "dri", strconv.Itoa(i))
	if err := mkdir(opts, base); err != nil {
		return err
	}

	if err := writeFile(opts, filepath.Join(base, "i915_forcewake_user"), ""); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(base, "i915_capabilities"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	opts.files++

	// keys are in random order which provides extra testing for the parser
	for key, value := range opts.Capabilities {
		if _, err = fmt.Fprintf(f, "%s: %s\n", key, value); err != nil {
			return err
		}
	}

	return nil
}

func removeExistingDir(path, name string) error {
	entries, err := os.ReadDir(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "ReadDir() failed on fake %s path '%s'", name, path)
	}

	if len(entries) == 0 {
		return nil
	}

	// This should not be too tight as then node could got blocked just putting entries in to folder
	if len(entries) > 5 {
		return errors.Errorf("too many entries in '%s' - real %s?", path, name)
	}

	klog.V(1).Infof("Removing already existing fake %s path '%s'", name, path)

	return errors.Wrapf(os.RemoveAll(path), "removing existing %s in '%s' failed", name, path)
}

// GenerateDriFiles creates the tree under opts.Path, replacing a previous
// fake tree.
func GenerateDriFiles(opts GenOptions) error {
	if opts.Info != "" {
		klog.V(1).Infof("Config: '%s'", opts.Info)
	}

	sysfsPath := opts.Path + sysfsPath
	devfsPath := opts.Path + devfsPath

	if err := removeExistingDir(devfsPath, "devfs"); err != nil {
		return err
	}

	if err := removeExistingDir(sysfsPath, "sysfs"); err != nil {
		return err
	}

	klog.Infof("Generating fake DRI device(s) sysfs, debugfs and devfs content under '%s' & '%s'",
		sysfsPath, devfsPath)

	opts.dirs, opts.files, opts.devs, opts.symls = 0, 0, 0, 0

	if err := mkdir(&opts, filepath.Join(sysfsPath, "class", "drm")); err != nil {
		return err
	}

	for i := 0; i < opts.DevCount; i++ {
		if err := addSysfsPCITree(sysfsPath, &opts, i); err != nil {
			return errors.Wrapf(err, "dev-%d sysfs tree generation failed", i)
		}

		if err := addDevfsDriTree(devfsPath, &opts, i); err != nil {
			return errors.Wrapf(err, "dev-%d devfs tree generation failed", i)
		}

		if err := addDebugfsDriTree(sysfsPath, &opts, i); err != nil {
			return errors.Wrapf(err, "dev-%d debugfs tree generation failed", i)
		}
	}

	klog.V(1).Infof("Done, created %d dirs, %d devices, %d files and %d symlinks.", opts.dirs, opts.devs, opts.files, opts.symls)

	return nil
}

// VerifyOptions checks opts and fills in defaults.
func VerifyOptions(opts GenOptions) (GenOptions, error) {
	if opts.DevCount < 1 || opts.DevCount > maxDevs {
		return opts, errors.Errorf("invalid device count: 1 <= %d <= %d", opts.DevCount, maxDevs)
	}

	if opts.DevsPerNumaNode > opts.DevCount {
		return opts, errors.Errorf("DevsPerNumaNode (%d) > DevCount (%d)", opts.DevsPerNumaNode, opts.DevCount)
	}

	if opts.Driver == "" {
		opts.Driver = "i915"
	}

	if opts.DeviceID == "" {
		opts.DeviceID = defaultDeviceID
	}

	if _, err := strconv.ParseUint(strings.TrimPrefix(opts.DeviceID, "0x"), 16, 16); err != nil || !strings.HasPrefix(opts.DeviceID, "0x") {
		return opts, errors.Errorf("invalid PCI device id %q", opts.DeviceID)
	}

	if opts.RegisterSize == 0 {
		opts.RegisterSize = defaultRegisterSize
	}

	if opts.RegisterSize%4096 != 0 {
		return opts, errors.Errorf("register file size %d is not page aligned", opts.RegisterSize)
	}

	return opts, nil
}

// GetOptionsByJSON parses a JSON generator spec.
func GetOptionsByJSON(data string) (GenOptions, error) {
	if data == "" {
		return GenOptions{}, errors.New("no fake device spec provided")
	}

	klog.V(1).Infof("Using fake device JSON spec: %v\n", data)

	var opts GenOptions
	if err := json.Unmarshal([]byte(data), &opts); err != nil {
		return opts, errors.Wrapf(err, "unmarshaling JSON spec '%s' failed", data)
	}

	return VerifyOptions(opts)
}

// GetOptionsByYAML parses a YAML generator spec.
func GetOptionsByYAML(data string) (GenOptions, error) {
	if data == "" {
		return GenOptions{}, errors.New("no fake device spec provided")
	}

	klog.V(1).Infof("Using fake device YAML spec: %v\n", data)

	var opts GenOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return opts, errors.Wrapf(err, "unmarshaling YAML spec '%s' failed", data)
	}

	return VerifyOptions(opts)
}
