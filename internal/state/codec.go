// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordVersion = 1

// record is the on-disk JSON form of a DeliveryState.  IDs are sorted
// so that identical states encode identically.
type record struct {
	Version        int         `json:"version"`
	DeliveredIDs   []string    `json:"delivered_ids"`
	TotalDelivered int64       `json:"total_delivered"`
	LastUpdated    time.Time   `json:"last_updated"`
	LastRun        *RunSummary `json:"last_run,omitempty"`
}

//go:embed delivery_state.schema.json
var schemaJSON string

const schemaURL = "delivery_state.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parsing delivery state schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, errors.Wrap(err, "adding delivery state schema")
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, errors.Wrap(err, "compiling delivery state schema")
	}
	return sch, nil
})

func validate(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "parsing delivery state")
	}
	if err := sch.Validate(inst); err != nil {
		return errors.Wrap(err, "validating delivery state")
	}
	return nil
}

func decode(data []byte) (DeliveryState, error) {
	if err := validate(data); err != nil {
		return DeliveryState{}, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return DeliveryState{}, errors.Wrap(err, "decoding delivery state")
	}
	st := DeliveryState{
		Delivered:      make(map[string]struct{}, len(r.DeliveredIDs)),
		TotalDelivered: r.TotalDelivered,
		LastUpdated:    r.LastUpdated,
		LastRun:        r.LastRun,
	}
	for _, id := range r.DeliveredIDs {
		st.Delivered[id] = struct{}{}
	}
	return st, nil
}

func encode(st DeliveryState) ([]byte, error) {
	ids := make([]string, 0, len(st.Delivered))
	for id := range st.Delivered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r := record{
		Version:        recordVersion,
		DeliveredIDs:   ids,
		TotalDelivered: st.TotalDelivered,
		LastUpdated:    st.LastUpdated,
		LastRun:        st.LastRun,
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
