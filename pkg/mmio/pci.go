// Copyright 2019-2024 Intel Corporation. All Rights Reserved.
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

package mmio

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	pciAddressRegex = `^([[:xdigit:]]{4}):([[:xdigit:]]{2}):([[:xdigit:]]{2})\.([[:xdigit:]])$`
	vendorIntel     = "0x8086"
)

var (
	pciAddressRE = regexp.MustCompile(pciAddressRegex)

	// SysfsRoot is where sysfs is mounted. Tests point it at a fake tree.
	SysfsRoot = "/sys"
)

// PCIDevice represents most valuable sysfs information about PCI device
type PCIDevice struct {
	SysFsPath string
	BDF       string
	Vendor    string
	Device    string
	Class     string
	NUMA      string
	Driver    string
}

// NewPCIDevice returns sysfs entry for specified PCI device or any sysfs
// entry below it.
func NewPCIDevice(devPath string) (*PCIDevice, error) {
	realDevPath, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed get realpath for %s", devPath)
	}

	pci := new(PCIDevice)

	for p := realDevPath; p != filepath.Dir(p); p = filepath.Dir(p) {
		subs := pciAddressRE.FindStringSubmatch(filepath.Base(p))
		if len(subs) != 5 || !strings.HasPrefix(filepath.Base(filepath.Dir(p)), "pci") {
			continue
		}

		pci.SysFsPath = p
		pci.BDF = subs[0]

		break
	}

	if pci.SysFsPath == "" || pci.BDF == "" {
		return nil, errors.Errorf("can't find PCI device address for sysfs entry %s", realDevPath)
	}

	fileMap := map[string]*string{
		"vendor":    &pci.Vendor,
		"device":    &pci.Device,
		"class":     &pci.Class,
		"numa_node": &pci.NUMA,
	}
	if err = readFilesInDirectory(fileMap, pci.SysFsPath); err != nil {
		return nil, err
	}

	if pci.Vendor == "" || pci.Device == "" {
		return nil, errors.Errorf("%s vendor or device id can't be empty (%q/%q)", pci.SysFsPath, pci.Vendor, pci.Device)
	}

	if link, err := os.Readlink(filepath.Join(pci.SysFsPath, "driver")); err == nil {
		pci.Driver = filepath.Base(link)
	}

	return pci, nil
}

// IsIntelGPU reports whether the device is an Intel display controller.
func (pci *PCIDevice) IsIntelGPU() bool {
	return pci.Vendor == vendorIntel &&
		(strings.HasPrefix(pci.Class, "0x0300") || strings.HasPrefix(pci.Class, "0x0380"))
}

// ResourcePath returns the sysfs file exposing BAR n.
func (pci *PCIDevice) ResourcePath(n int) string {
	return filepath.Join(pci.SysFsPath, fmt.Sprintf("resource%d", n))
}

// ForCard returns the PCI device behind a DRM minor name like card0 or
// renderD128.
func ForCard(name string) (*PCIDevice, error) {
	return NewPCIDevice(filepath.Join(SysfsRoot, "class", "drm", name, "device"))
}

// ForNode returns the PCI device behind a device node like /dev/dri/card0.
func ForNode(dev string) (*PCIDevice, error) {
	sysfs, err := FindSysFsDevice(dev)
	if err != nil {
		return nil, err
	}

	if sysfs == "" {
		return nil, errors.Errorf("%s does not exist", dev)
	}

	return NewPCIDevice(sysfs)
}

// FindSysFsDevice returns sysfs entry for specified device node or device that holds specified file
// If resulted device is virtual, error is returned
func FindSysFsDevice(dev string) (string, error) {
	fi, err := os.Stat(dev)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", errors.Wrapf(err, "unable to get stat for %s", dev)
	}

	devType := "block"
	rdev := fi.Sys().(*syscall.Stat_t).Dev

	if mode := fi.Mode(); mode&os.ModeDevice != 0 {
		rdev = fi.Sys().(*syscall.Stat_t).Rdev
		if mode&os.ModeCharDevice != 0 {
			devType = "char"
		}
	}

	major := unix.Major(rdev)
	minor := unix.Minor(rdev)

	if major == 0 {
		return "", errors.Errorf("%s is a virtual device node", dev)
	}

	devPath := filepath.Join(SysfsRoot, fmt.Sprintf("dev/%s/%d:%d", devType, major, minor))

	realDevPath, err := filepath.EvalSymlinks(devPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed get realpath for %s", devPath)
	}

	return realDevPath, nil
}

// small helper function that reads several files into provided set of variables.
func readFilesInDirectory(fileMap map[string]*string, dir string) error {
	for k, v := range fileMap {
		b, err := os.ReadFile(filepath.Join(dir, k))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return errors.Wrapf(err, "%s: unable to read file %q", dir, k)
		}

		*v = strings.TrimSpace(string(b))
	}

	return nil
}
