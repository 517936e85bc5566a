package pricing

import "github.com/opsdeck/feature-governor/internal/usage"

// Unit prices in USD per single unit of each resource. These mirror the
// provider's published metered rates; compute-family resources are priced
// per request or per millisecond of CPU.
var unitPriceUSD = map[usage.Resource]float64{
	usage.RelationalWrites:    1.00e-6,
	usage.RelationalReads:     1.00e-7,
	usage.CacheReads:          5.00e-8,
	usage.CacheWrites:         5.00e-6,
	usage.CacheDeletes:        5.00e-6,
	usage.CacheLists:          5.00e-6,
	usage.ObjectClassA:        4.50e-6,
	usage.ObjectClassB:        3.60e-7,
	usage.InferenceUnits:      1.10e-5,
	usage.InferenceRequests:   0,
	usage.QueueMessages:       4.00e-7,
	usage.ComputeRequests:     3.00e-7,
	usage.CPUMs:               2.00e-8,
	usage.VectorQueries:       1.00e-6,
	usage.VectorInserts:       5.00e-6,
	usage.DORequests:          1.50e-7,
	usage.DOGBSeconds:         1.25e-8,
	usage.WorkflowInvocations: 3.00e-7,
}

// MonthlyBaseUSD is the flat monthly platform charge, pro-rated per hour
// by the collector (1/720th per hourly snapshot).
const MonthlyBaseUSD = 5.00

// Allowance is a monthly included quantity for one resource.
type Allowance struct {
	FreeTier int64
	Paid     int64
}

// Allowances holds the included monthly quantities per resource for the
// free tier and the paid plan. Zero means no included quantity.
var Allowances = map[usage.Resource]Allowance{
	usage.RelationalWrites:  {FreeTier: 100_000, Paid: 50_000_000},
	usage.RelationalReads:   {FreeTier: 5_000_000, Paid: 25_000_000_000},
	usage.CacheReads:        {FreeTier: 100_000, Paid: 10_000_000},
	usage.CacheWrites:       {FreeTier: 1_000, Paid: 1_000_000},
	usage.CacheDeletes:      {FreeTier: 1_000, Paid: 1_000_000},
	usage.CacheLists:        {FreeTier: 1_000, Paid: 1_000_000},
	usage.ObjectClassA:      {FreeTier: 1_000_000, Paid: 1_000_000},
	usage.ObjectClassB:      {FreeTier: 10_000_000, Paid: 10_000_000},
	usage.InferenceUnits:    {FreeTier: 10_000, Paid: 10_000},
	usage.QueueMessages:     {FreeTier: 1_000_000, Paid: 1_000_000},
	usage.ComputeRequests:   {FreeTier: 100_000, Paid: 10_000_000},
	usage.CPUMs:             {FreeTier: 0, Paid: 30_000_000},
	usage.VectorQueries:     {FreeTier: 30_000_000, Paid: 50_000_000},
	usage.VectorInserts:     {FreeTier: 5_000_000, Paid: 10_000_000},
	usage.DORequests:        {FreeTier: 0, Paid: 1_000_000},
	usage.DOGBSeconds:       {FreeTier: 0, Paid: 400_000},
	usage.WorkflowInvocations: {FreeTier: 100_000, Paid: 10_000_000},
}

// UnitPrice returns the USD price for one unit of r, zero when unpriced.
func UnitPrice(r usage.Resource) float64 { return unitPriceUSD[r] }
