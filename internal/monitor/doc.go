// Package monitor defines the domain types, collaborator interfaces, and error
// taxonomy shared by the page monitoring engine: the scheduler, navigation
// controller, vitals collector, blank-screen classifier, and resource
// classifier all speak in terms of the records declared here.
package monitor
