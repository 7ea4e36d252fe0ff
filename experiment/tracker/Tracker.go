// Package tracker implements write-only sinks for named scalar time
// series generated while an agent trains.
package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Tracker keeps track of named scalar time series and saves them
// after the experiment has finished. Implementations are pure sinks:
// nothing reads them back for control decisions.
type Tracker interface {
	// Track records value under tag at the given step
	Track(tag string, value float64, step int)

	// Save persists all tracked data
	Save() error
}

// Point is a single tracked scalar observation.
type Point struct {
	Step  int
	Value float64
}

// Scalars tracks named scalar series in memory and gob-encodes them
// to a file when saved.
type Scalars struct {
	filename string
	series   map[string][]Point
}

// NewScalars returns a new Scalars tracker that saves its data to
// filename.
func NewScalars(filename string) *Scalars {
	return &Scalars{
		filename: filename,
		series:   make(map[string][]Point),
	}
}

// Track records value under tag at the given step
func (s *Scalars) Track(tag string, value float64, step int) {
	s.series[tag] = append(s.series[tag], Point{Step: step, Value: value})
}

// Save persists all tracked series to the tracker's file
func (s *Scalars) Save() error {
	file, err := os.Create(s.filename)
	if err != nil {
		return fmt.Errorf("save: could not create data file: %v", err)
	}
	defer file.Close()

	enc := gob.NewEncoder(file)
	if err := enc.Encode(s.series); err != nil {
		return fmt.Errorf("save: could not encode data: %v", err)
	}
	return nil
}

// LoadScalars loads and returns the data saved by a Scalars tracker
func LoadScalars(filename string) (map[string][]Point, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loadscalars: could not open data file: %v",
			err)
	}
	defer file.Close()

	dec := gob.NewDecoder(file)
	data := make(map[string][]Point)
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("loadscalars: could not decode data: %v", err)
	}

	return data, nil
}
