package remote

// DocumentKind distinguishes queries, mutations and subscriptions.
type DocumentKind string

const (
	KindQuery        DocumentKind = "query"
	KindMutation     DocumentKind = "mutation"
	KindSubscription DocumentKind = "subscription"
)

// Document is a named GraphQL operation. Pods dispatch on Name; Text is sent
// along for pods that parse it.
type Document struct {
	Name string
	Kind DocumentKind
	Text string
}

// FetchPolicy tells the cache where a query may be answered from.
type FetchPolicy string

const (
	CacheFirst      FetchPolicy = "cache-first"
	CacheAndNetwork FetchPolicy = "cache-and-network"
	NetworkOnly     FetchPolicy = "network-only"
	NoCache         FetchPolicy = "no-cache"
	CacheOnly       FetchPolicy = "cache-only"
)

const operationFields = `id tripId startDateTime endDateTime fishingStartDateTime fishingEndDateTime rankOrder
  comments qualityFlagId qualificationComments controlDate updateDate parentOperationId childOperationId
  positions { id dateTime latitude longitude updateDate }
  measurements { id pmfmId rankOrder numericalValue alphanumericalValue qualitativeValueId updateDate }
  samples { id label rankOrder operationId parentId updateDate children }
  catchBatch { id label rankOrder operationId parentId updateDate children }
  metier { id label taxonGroupLabel } physicalGear { id rankOrder gearId }`

// Operation documents.
var (
	LoadOperation = Document{
		Name: "LoadOperation",
		Kind: KindQuery,
		Text: `query LoadOperation($id: Int!) { data: operation(id: $id) { ` + operationFields + ` } }`,
	}
	LoadOperations = Document{
		Name: "LoadOperations",
		Kind: KindQuery,
		Text: `query LoadOperations($filter: OperationFilterVOInput, $offset: Int, $size: Int, $sortBy: String, $sortDirection: String) {
  data: operations(filter: $filter, offset: $offset, size: $size, sortBy: $sortBy, sortDirection: $sortDirection) { ` + operationFields + ` } }`,
	}
	LoadOperationsWithTotal = Document{
		Name: "LoadOperationsWithTotal",
		Kind: KindQuery,
		Text: `query LoadOperationsWithTotal($filter: OperationFilterVOInput, $offset: Int, $size: Int, $sortBy: String, $sortDirection: String) {
  data: operations(filter: $filter, offset: $offset, size: $size, sortBy: $sortBy, sortDirection: $sortDirection) { ` + operationFields + ` }
  total: operationsCount(filter: $filter) }`,
	}
	LoadAllWithTripAndTotal = Document{
		Name: "LoadAllWithTripAndTotal",
		Kind: KindQuery,
		Text: `query LoadAllWithTripAndTotal($filter: OperationFilterVOInput, $offset: Int, $size: Int, $sortBy: String, $sortDirection: String) {
  data: operations(filter: $filter, offset: $offset, size: $size, sortBy: $sortBy, sortDirection: $sortDirection) { ` + operationFields + `
    trip { id departureDateTime returnDateTime vesselSnapshot { id name exteriorMarking } } vesselId programLabel }
  total: operationsCount(filter: $filter) }`,
	}
	SaveOperations = Document{
		Name: "SaveOperations",
		Kind: KindMutation,
		Text: `mutation SaveOperations($data: [OperationVOInput]!) { data: saveOperations(operations: $data) { ` + operationFields + ` } }`,
	}
	DeleteOperations = Document{
		Name: "DeleteOperations",
		Kind: KindMutation,
		Text: `mutation DeleteOperations($ids: [Int]!) { deleteOperations(ids: $ids) }`,
	}
	ControlOperation = Document{
		Name: "ControlOperation",
		Kind: KindMutation,
		Text: `mutation ControlOperation($data: OperationVOInput!) { data: controlOperation(operation: $data) { ` + operationFields + ` } }`,
	}
	UpdateOperation = Document{
		Name: "UpdateOperation",
		Kind: KindSubscription,
		Text: `subscription UpdateOperation($id: Int!, $interval: Int) { data: updateOperation(id: $id, interval: $interval) { id updateDate } }`,
	}
)

// Trip and program documents.
var (
	LoadTrip = Document{
		Name: "LoadTrip",
		Kind: KindQuery,
		Text: `query LoadTrip($id: Int!) { data: trip(id: $id) { id programLabel vesselId departureDateTime returnDateTime updateDate controlDate qualityFlagId } }`,
	}
	SaveTrip = Document{
		Name: "SaveTrip",
		Kind: KindMutation,
		Text: `mutation SaveTrip($trip: TripVOInput!, $withOperations: Boolean) { data: saveTrip(trip: $trip, withOperations: $withOperations) { id updateDate operations { ` + operationFields + ` } } }`,
	}
	DeleteTrips = Document{
		Name: "DeleteTrips",
		Kind: KindMutation,
		Text: `mutation DeleteTrips($ids: [Int]!) { deleteTrips(ids: $ids) }`,
	}
	LoadProgram = Document{
		Name: "LoadProgram",
		Kind: KindQuery,
		Text: `query LoadProgram($label: String!) { data: programByLabel(label: $label) { id label name properties } }`,
	}
)
