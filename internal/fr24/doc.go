// Package fr24 talks to the Flightradar24 live feed: Supplier fetches raw
// frames per area and Deserializer decodes them into track records.
package fr24
