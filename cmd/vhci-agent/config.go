// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
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

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

const defaultDomain = "vhci.io"
const defaultDevicePath = "/dev/usb-vhci"
const defaultPortCount = 8

// initConfig defines config flags, config file, and envs, following the
// same pflag/viper wiring the source this is grounded on uses.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("domain", defaultDomain, "The domain to use when declaring the port resource.")
	flag.String("resource", "port", "The resource name to register under domain, e.g. domain/port.")
	flag.String("plugin-directory", v1beta1.DevicePluginPath, "The directory in which to create plugin sockets.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/vhci/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// config file not found; flags/env/defaults still apply
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// ControllerSpec describes one VHCI controller to register against the
// character device at startup.
type ControllerSpec struct {
	DevicePath string `json:"device_path"`
	PortCount  uint8  `json:"port_count"`
}

// getConfiguredControllers decodes the "controllers" config section the
// same way getConfiguredDevices decoded "resources" in the source this is
// grounded on: a list of untyped maps, each run through a mapstructure
// decoder keyed on the "json" tag. With no section configured, a single
// controller with the default device path and port count is registered.
func getConfiguredControllers() ([]ControllerSpec, error) {
	raw := viper.Get("controllers")
	if raw == nil {
		return []ControllerSpec{{DevicePath: defaultDevicePath, PortCount: defaultPortCount}}, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode controllers: unexpected type: %T", raw)
	}

	specs := make([]ControllerSpec, len(list))
	for i, def := range list {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &specs[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode controller spec %v: %w", def, err)
		}
		if specs[i].DevicePath == "" {
			specs[i].DevicePath = defaultDevicePath
		}
		if specs[i].PortCount == 0 {
			specs[i].PortCount = defaultPortCount
		}
	}
	return specs, nil
}
